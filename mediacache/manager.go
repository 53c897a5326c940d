package mediacache

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"

	"github.com/opd-ai/chatsync/config"
	"github.com/opd-ai/chatsync/interfaces"
	"github.com/opd-ai/chatsync/message"
	"github.com/opd-ai/chatsync/observe"
	"github.com/opd-ai/chatsync/storage"
)

// chunkSize is the streaming buffer size. Cancellation and stall detection
// are observed at chunk boundaries.
const chunkSize = 32 * 1024

// metaKeyPrefix namespaces cache metadata inside the shared KV store.
const metaKeyPrefix = "cache/"

// ErrInvalidAttachmentID indicates an attachment ID that cannot be used as
// a cache file name.
var ErrInvalidAttachmentID = errors.New("invalid attachment id")

// ErrUnknownAttachment indicates no cache entry or task exists for the ID.
var ErrUnknownAttachment = errors.New("unknown attachment")

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
}

type defaultTimeProvider struct{}

func (defaultTimeProvider) Now() time.Time { return time.Now() }

// Manager owns local storage of binary attachments.
type Manager struct {
	mu sync.Mutex

	cfg          config.Cache
	kv           storage.KV
	fetcher      interfaces.BinaryFetcher
	connectivity interfaces.ConnectivitySignal
	timeProvider TimeProvider

	entries map[string]*Entry
	tasks   map[string]*task
	queue   []*task
	seq     uint64
	active  int

	statuses *observe.Map[CacheStatus]
	progress *observe.Map[float64]
}

// NewManager creates a media cache rooted at cfg.Dir, reloading persisted
// metadata and sweeping out entries past the retention window along with
// orphaned partial downloads.
func NewManager(cfg config.Cache, kv storage.KV, fetcher interfaces.BinaryFetcher, connectivity interfaces.ConnectivitySignal) (*Manager, error) {
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	m := &Manager{
		cfg:          cfg,
		kv:           kv,
		fetcher:      fetcher,
		connectivity: connectivity,
		timeProvider: defaultTimeProvider{},
		entries:      make(map[string]*Entry),
		tasks:        make(map[string]*task),
		statuses:     observe.NewMap[CacheStatus](),
		progress:     observe.NewMap[float64](),
	}

	if err := m.reloadMetadata(); err != nil {
		return nil, fmt.Errorf("reloading cache metadata: %w", err)
	}
	m.sweepPartialFiles()

	logrus.WithFields(logrus.Fields{
		"function":    "NewManager",
		"dir":         cfg.Dir,
		"entries":     len(m.entries),
		"max_entries": cfg.MaxEntries,
		"max_bytes":   cfg.MaxBytes,
	}).Info("Media cache manager created")

	return m, nil
}

// SetTimeProvider injects a clock for deterministic testing.
func (m *Manager) SetTimeProvider(tp TimeProvider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeProvider = tp
}

// reloadMetadata restores persisted entries, dropping any whose file has
// vanished and any older than the retention window.
func (m *Manager) reloadMetadata() error {
	keys, err := m.kv.Keys(metaKeyPrefix)
	if err != nil {
		return err
	}

	cutoff := m.timeProvider.Now().Add(-m.cfg.Retention)
	for _, key := range keys {
		data, err := m.kv.Read(key)
		if err != nil {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "reloadMetadata",
				"key":      key,
				"error":    err.Error(),
			}).Warn("Dropping corrupt cache metadata")
			m.kv.Delete(key)
			continue
		}

		info, statErr := os.Stat(entry.LocalPath)
		if statErr != nil || info.Size() == 0 {
			// The OS reclaimed the file; the metadata must not survive it.
			logrus.WithFields(logrus.Fields{
				"function":      "reloadMetadata",
				"attachment_id": entry.AttachmentID,
			}).Warn("Cached file missing on disk, dropping entry")
			m.kv.Delete(key)
			continue
		}

		if entry.CachedAt.Before(cutoff) {
			logrus.WithFields(logrus.Fields{
				"function":      "reloadMetadata",
				"attachment_id": entry.AttachmentID,
				"cached_at":     entry.CachedAt,
			}).Info("Evicting entry past retention window")
			os.Remove(entry.LocalPath)
			m.kv.Delete(key)
			continue
		}

		m.entries[entry.AttachmentID] = &entry
		m.statuses.Set(entry.AttachmentID, StatusReady)
	}
	return nil
}

// sweepPartialFiles removes temp files left behind by a crash mid-download.
func (m *Manager) sweepPartialFiles() {
	files, err := os.ReadDir(m.cfg.Dir)
	if err != nil {
		return
	}
	for _, f := range files {
		if !f.IsDir() && strings.HasSuffix(f.Name(), ".part") {
			os.Remove(filepath.Join(m.cfg.Dir, f.Name()))
		}
	}
}

// validateID rejects attachment IDs that could escape the cache directory.
func validateID(id string) error {
	if id == "" || strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidAttachmentID, id)
	}
	return nil
}

// entryPath maps an attachment ID to its final cache file path.
func (m *Manager) entryPath(id string) string {
	return filepath.Join(m.cfg.Dir, id)
}

// RequestAttachment makes an attachment available locally. An attachment
// that is already cached resolves synchronously with no I/O beyond the
// access-time bump. A request for an attachment that is already queued or
// downloading attaches to the existing task; at most one transfer is ever
// in flight per attachment ID.
func (m *Manager) RequestAttachment(id, sourceURL string, priority Priority) (*Handle, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if entry, ok := m.entries[id]; ok {
		if m.verifyEntryLocked(entry) {
			m.touchLocked(entry)
			m.mu.Unlock()
			return resolvedHandle(id, entry.LocalPath), nil
		}
		// Self-healed below: fall through to a fresh download.
	}

	if existing, ok := m.tasks[id]; ok {
		if priority > existing.priority {
			existing.priority = priority
			m.sortQueueLocked()
		}
		m.mu.Unlock()
		return taskHandle(existing), nil
	}

	m.seq++
	t := newTask(id, sourceURL, priority, m.seq)
	m.tasks[id] = t
	m.queue = append(m.queue, t)
	m.sortQueueLocked()
	m.statuses.Set(id, StatusQueued)
	m.dispatchLocked()
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":      "RequestAttachment",
		"attachment_id": id,
		"priority":      priority.String(),
	}).Info("Download task queued")

	return taskHandle(t), nil
}

// PreCacheLocalFile copies content the device itself produced straight
// into the cache store and marks it ready, skipping the download path
// entirely. This is what lets a just-recorded voice clip play back with
// zero latency. An id that is already cached reports true without
// copying; one with a download in flight is left to that download and
// reports false. The copy failing is never fatal to the send path: the
// manager logs the failure, falls back to a normal download when a source
// URL is known, and reports false.
func (m *Manager) PreCacheLocalFile(id, localPath, sourceURL string) bool {
	if err := validateID(id); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":      "PreCacheLocalFile",
			"attachment_id": id,
			"error":         err.Error(),
		}).Warn("Pre-cache rejected invalid attachment id")
		return false
	}

	m.mu.Lock()
	if entry, ok := m.entries[id]; ok && m.verifyEntryLocked(entry) {
		m.touchLocked(entry)
		m.mu.Unlock()
		return true
	}
	if _, inFlight := m.tasks[id]; inFlight {
		m.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function":      "PreCacheLocalFile",
			"attachment_id": id,
		}).Debug("Pre-cache skipped, download already in flight")
		return false
	}
	m.statuses.Set(id, StatusUploading)
	m.mu.Unlock()

	size, digest, err := m.copyIntoCache(id, localPath)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":      "PreCacheLocalFile",
			"attachment_id": id,
			"local_path":    localPath,
			"error":         err.Error(),
		}).Warn("Pre-cache copy failed, falling back to download path")

		m.statuses.Set(id, StatusUnseen)
		if sourceURL != "" {
			m.RequestAttachment(id, sourceURL, PriorityNormal)
		}
		return false
	}

	m.mu.Lock()
	m.insertEntryLocked(id, sourceURL, size, digest)
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":      "PreCacheLocalFile",
		"attachment_id": id,
		"size_bytes":    size,
	}).Info("Locally authored attachment pre-cached")

	return true
}

// copyIntoCache streams localPath into the cache store via a temp file and
// atomic rename, returning the size and content digest.
func (m *Manager) copyIntoCache(id, localPath string) (int64, string, error) {
	src, err := os.Open(localPath)
	if err != nil {
		return 0, "", fmt.Errorf("opening source: %w", err)
	}
	defer src.Close()

	final := m.entryPath(id)
	// Distinct suffix from the download path, so a pre-cache racing a
	// download for the same id never writes through the same temp file.
	// Still ends in ".part", so the startup sweep collects strays.
	tmp := final + ".upload.part"
	dst, err := os.Create(tmp)
	if err != nil {
		return 0, "", fmt.Errorf("creating temp file: %w", err)
	}

	hasher, _ := blake2b.New256(nil)
	size, err := io.Copy(io.MultiWriter(dst, hasher), src)
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp)
		return 0, "", fmt.Errorf("copying into cache: %w", err)
	}
	if size == 0 {
		os.Remove(tmp)
		return 0, "", errors.New("source file is empty")
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return 0, "", fmt.Errorf("committing cache file: %w", err)
	}
	return size, hex.EncodeToString(hasher.Sum(nil)), nil
}

// insertEntryLocked records a completed cache write, persists the
// metadata, and enforces both capacity caps.
func (m *Manager) insertEntryLocked(id, sourceURL string, size int64, digest string) {
	now := m.timeProvider.Now()
	entry := &Entry{
		AttachmentID:   id,
		SourceURL:      sourceURL,
		LocalPath:      m.entryPath(id),
		SizeBytes:      size,
		Digest:         digest,
		CachedAt:       now,
		LastAccessedAt: now,
	}
	m.entries[id] = entry
	m.persistEntryLocked(entry)
	m.statuses.Set(id, StatusReady)
	m.progress.Set(id, 1)
	m.evictLocked()
}

// persistEntryLocked flushes one entry's metadata to the KV store.
func (m *Manager) persistEntryLocked(entry *Entry) {
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := m.kv.Write(metaKeyPrefix+entry.AttachmentID, data); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":      "persistEntryLocked",
			"attachment_id": entry.AttachmentID,
			"error":         err.Error(),
		}).Error("Failed to persist cache metadata")
	}
}

// evictLocked removes least-recently-accessed entries until both the entry
// count cap and the total size cap hold. File and metadata go together; an
// evicted entry can never again be reported ready.
func (m *Manager) evictLocked() {
	for len(m.entries) > m.cfg.MaxEntries || m.totalBytesLocked() > m.cfg.MaxBytes {
		victim := m.evictionCandidateLocked()
		if victim == nil {
			return
		}
		os.Remove(victim.LocalPath)
		m.kv.Delete(metaKeyPrefix + victim.AttachmentID)
		delete(m.entries, victim.AttachmentID)
		m.statuses.Set(victim.AttachmentID, StatusUnseen)
		m.progress.Delete(victim.AttachmentID)

		logrus.WithFields(logrus.Fields{
			"function":      "evictLocked",
			"attachment_id": victim.AttachmentID,
			"last_accessed": victim.LastAccessedAt,
			"size_bytes":    victim.SizeBytes,
		}).Info("Cache entry evicted")
	}
}

// evictionCandidateLocked picks the entry with the oldest LastAccessedAt,
// ties broken by oldest CachedAt.
func (m *Manager) evictionCandidateLocked() *Entry {
	var victim *Entry
	for _, entry := range m.entries {
		if victim == nil {
			victim = entry
			continue
		}
		if entry.LastAccessedAt.Before(victim.LastAccessedAt) ||
			(entry.LastAccessedAt.Equal(victim.LastAccessedAt) && entry.CachedAt.Before(victim.CachedAt)) {
			victim = entry
		}
	}
	return victim
}

func (m *Manager) totalBytesLocked() int64 {
	var total int64
	for _, entry := range m.entries {
		total += entry.SizeBytes
	}
	return total
}

// touchLocked bumps the access time feeding the LRU ordering.
func (m *Manager) touchLocked(entry *Entry) {
	entry.LastAccessedAt = m.timeProvider.Now()
	m.persistEntryLocked(entry)
}

// verifyEntryLocked confirms the ready invariant: the file exists and is
// non-empty. On violation the entry self-heals to unseen instead of
// handing out a broken path.
func (m *Manager) verifyEntryLocked(entry *Entry) bool {
	info, err := os.Stat(entry.LocalPath)
	if err == nil && info.Size() > 0 {
		return true
	}

	logrus.WithFields(logrus.Fields{
		"function":      "verifyEntryLocked",
		"attachment_id": entry.AttachmentID,
		"local_path":    entry.LocalPath,
	}).Warn("Ready entry lost its file, self-healing to unseen")

	delete(m.entries, entry.AttachmentID)
	m.kv.Delete(metaKeyPrefix + entry.AttachmentID)
	m.statuses.Set(entry.AttachmentID, StatusUnseen)
	m.progress.Delete(entry.AttachmentID)
	return false
}

// CancelDownload requests cooperative cancellation of an in-flight or
// queued download. The transfer loop aborts at the next chunk boundary and
// removes its partial file. Cancelling an unknown or finished attachment
// is a no-op.
func (m *Manager) CancelDownload(id string) {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	t.cancelFlag.Store(true)

	// A task still waiting in the queue will never reach its chunk loop,
	// so it is resolved here.
	for i, queued := range m.queue {
		if queued == t {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			delete(m.tasks, id)
			m.statuses.Set(id, StatusCancelled)
			m.progress.Delete(id)
			t.finish("", message.ErrCancelled)
			break
		}
	}
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":      "CancelDownload",
		"attachment_id": id,
	}).Info("Download cancellation requested")
}

// IsCached reports whether the attachment is ready on disk.
func (m *Manager) IsCached(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[id]
	return ok && m.verifyEntryLocked(entry)
}

// GetLocalPath returns the local file path for a ready attachment and
// records the access for LRU ordering.
func (m *Manager) GetLocalPath(id string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[id]
	if !ok || !m.verifyEntryLocked(entry) {
		return "", false
	}
	m.touchLocked(entry)
	return entry.LocalPath, true
}

// GetDownloadProgress returns the transfer fraction for id: 1 when ready,
// the in-flight fraction while transferring, 0 otherwise.
func (m *Manager) GetDownloadProgress(id string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[id]; ok {
		return 1
	}
	if t, ok := m.tasks[id]; ok {
		return t.progress()
	}
	return 0
}

// Status returns the current cache status for id.
func (m *Manager) Status(id string) CacheStatus {
	if s, ok := m.statuses.Get(id); ok {
		return s
	}
	return StatusUnseen
}

// Stats returns the current entry count and total cached bytes.
func (m *Manager) Stats() (entries int, bytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries), m.totalBytesLocked()
}

// Statuses exposes the observable cache status map.
func (m *Manager) Statuses() *observe.Map[CacheStatus] {
	return m.statuses
}

// Progress exposes the observable download progress map.
func (m *Manager) Progress() *observe.Map[float64] {
	return m.progress
}

// Verify recomputes the content digest for a ready entry and demotes it if
// the bytes on disk no longer match what was cached.
func (m *Manager) Verify(id string) error {
	m.mu.Lock()
	entry, ok := m.entries[id]
	if !ok || !m.verifyEntryLocked(entry) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownAttachment, id)
	}
	path, want := entry.LocalPath, entry.Digest
	m.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return m.demoteCorrupt(id, err)
	}
	defer f.Close()

	hasher, _ := blake2b.New256(nil)
	if _, err := io.Copy(hasher, f); err != nil {
		return m.demoteCorrupt(id, err)
	}
	if got := hex.EncodeToString(hasher.Sum(nil)); got != want {
		return m.demoteCorrupt(id, fmt.Errorf("digest mismatch: got %s want %s", got, want))
	}
	return nil
}

// demoteCorrupt self-heals a damaged entry: the metadata and file are
// dropped so the next request downloads a fresh copy.
func (m *Manager) demoteCorrupt(id string, cause error) error {
	logrus.WithFields(logrus.Fields{
		"function":      "demoteCorrupt",
		"attachment_id": id,
		"error":         cause.Error(),
	}).Warn("Corrupt cache entry demoted")

	m.mu.Lock()
	if entry, ok := m.entries[id]; ok {
		os.Remove(entry.LocalPath)
		delete(m.entries, id)
		m.kv.Delete(metaKeyPrefix + id)
		m.statuses.Set(id, StatusUnseen)
		m.progress.Delete(id)
	}
	m.mu.Unlock()

	return fmt.Errorf("%w: %v", message.ErrCorruptCacheEntry, cause)
}

// concurrencyLimitLocked returns the number of simultaneous transfers
// allowed right now. Poor connectivity throttles to a single slot; the
// classification is advisory and never blocks downloads outright.
func (m *Manager) concurrencyLimitLocked() int {
	limit := m.cfg.Concurrency
	if limit < 1 {
		limit = 1
	}
	if m.connectivity != nil && m.connectivity.Current() <= interfaces.QualityPoor {
		return 1
	}
	return limit
}

// sortQueueLocked orders the queue by priority, FIFO within a priority.
func (m *Manager) sortQueueLocked() {
	sort.SliceStable(m.queue, func(i, j int) bool {
		if m.queue[i].priority != m.queue[j].priority {
			return m.queue[i].priority > m.queue[j].priority
		}
		return m.queue[i].seq < m.queue[j].seq
	})
}

// dispatchLocked starts queued tasks while free slots remain.
func (m *Manager) dispatchLocked() {
	for m.active < m.concurrencyLimitLocked() && len(m.queue) > 0 {
		t := m.queue[0]
		m.queue = m.queue[1:]
		m.active++
		go m.runTask(t)
	}
}

// runTask drives one download to completion, retrying stalls and transient
// failures at the task's original priority up to the configured limit.
func (m *Manager) runTask(t *task) {
	m.statuses.Set(t.attachmentID, StatusDownloading)

	err := m.transfer(t)

	m.mu.Lock()
	m.active--

	switch {
	case err == nil:
		delete(m.tasks, t.attachmentID)
		path := m.entryPath(t.attachmentID)
		if entry, ok := m.entries[t.attachmentID]; ok {
			path = entry.LocalPath
		}
		m.dispatchLocked()
		m.mu.Unlock()
		t.finish(path, nil)
		return

	case errors.Is(err, message.ErrCancelled):
		delete(m.tasks, t.attachmentID)
		m.statuses.Set(t.attachmentID, StatusCancelled)
		m.progress.Delete(t.attachmentID)
		m.dispatchLocked()
		m.mu.Unlock()
		t.finish("", message.ErrCancelled)

		logrus.WithFields(logrus.Fields{
			"function":      "runTask",
			"attachment_id": t.attachmentID,
		}).Info("Download cancelled, partial file removed")
		return

	default:
		t.attempts++
		// Once the task is requeued and the lock released, a worker may
		// already be bumping the counter again. Log the captured value.
		attempt := t.attempts
		if attempt < m.cfg.DownloadRetries {
			// Back into the queue at the original priority.
			t.setProgress(0)
			m.queue = append(m.queue, t)
			m.sortQueueLocked()
			m.statuses.Set(t.attachmentID, StatusQueued)
			m.dispatchLocked()
			m.mu.Unlock()

			logrus.WithFields(logrus.Fields{
				"function":      "runTask",
				"attachment_id": t.attachmentID,
				"attempt":       attempt,
				"error":         err.Error(),
			}).Warn("Download failed, requeued for retry")
			return
		}

		delete(m.tasks, t.attachmentID)
		m.statuses.Set(t.attachmentID, StatusFailed)
		m.dispatchLocked()
		m.mu.Unlock()
		t.finish("", err)

		logrus.WithFields(logrus.Fields{
			"function":      "runTask",
			"attachment_id": t.attachmentID,
			"attempts":      attempt,
			"error":         err.Error(),
		}).Error("Download failed after exhausting retries")
	}
}

// transfer streams one attachment to a temp file and commits it with an
// atomic rename once verified complete and non-empty, so a crash can never
// leave a partial file masquerading as a cached entry. The cancel flag is
// checked at every chunk boundary; a stall with no progress for the
// configured window cancels the fetch.
func (m *Manager) transfer(t *task) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var stalled atomic.Bool
	var watchdog *time.Timer
	if m.cfg.StallTimeout > 0 {
		watchdog = time.AfterFunc(m.cfg.StallTimeout, func() {
			stalled.Store(true)
			cancel()
		})
		defer watchdog.Stop()
	}

	stream, total, err := m.fetcher.Fetch(ctx, t.sourceURL)
	if err != nil {
		if t.cancelFlag.Load() {
			return message.ErrCancelled
		}
		return fmt.Errorf("opening attachment stream: %w", err)
	}
	defer stream.Close()

	final := m.entryPath(t.attachmentID)
	tmp := final + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return fmt.Errorf("%w: %v", message.ErrStorageExhausted, err)
		}
		return fmt.Errorf("creating temp file: %w", err)
	}

	hasher, _ := blake2b.New256(nil)
	var transferred int64
	buf := make([]byte, chunkSize)

	for {
		if t.cancelFlag.Load() {
			out.Close()
			os.Remove(tmp)
			return message.ErrCancelled
		}

		n, readErr := stream.Read(buf)
		if n > 0 {
			if _, writeErr := out.Write(buf[:n]); writeErr != nil {
				out.Close()
				os.Remove(tmp)
				return fmt.Errorf("%w: %v", message.ErrStorageExhausted, writeErr)
			}
			hasher.Write(buf[:n])
			transferred += int64(n)
			if watchdog != nil {
				watchdog.Reset(m.cfg.StallTimeout)
			}
			t.noteChunk(n, time.Now())
			if total > 0 {
				f := float64(transferred) / float64(total)
				t.setProgress(f)
				m.progress.Set(t.attachmentID, f)
			}
		}

		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			out.Close()
			os.Remove(tmp)
			if t.cancelFlag.Load() {
				return message.ErrCancelled
			}
			if stalled.Load() {
				return fmt.Errorf("transfer stalled: no data for %v", m.cfg.StallTimeout)
			}
			return fmt.Errorf("reading attachment stream: %w", readErr)
		}
	}

	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if transferred == 0 {
		os.Remove(tmp)
		return errors.New("transfer completed empty")
	}
	if total > 0 && transferred != total {
		os.Remove(tmp)
		return fmt.Errorf("transfer truncated: %d of %d bytes", transferred, total)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("committing cache file: %w", err)
	}

	m.mu.Lock()
	m.insertEntryLocked(t.attachmentID, t.sourceURL, transferred, hex.EncodeToString(hasher.Sum(nil)))
	m.mu.Unlock()

	t.setProgress(1)
	m.progress.Set(t.attachmentID, 1)
	return nil
}
