package mediacache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/pion/opus"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatsync/message"
)

// Voice clips are stored as length-prefixed Opus packets: each packet is
// preceded by its size as a big-endian uint16. The recorder writes this
// framing; the probe below reads it back.

// ErrNotVoiceNote indicates the cached bytes do not hold a decodable Opus
// packet.
var ErrNotVoiceNote = errors.New("not a decodable voice note")

// maxOpusPacket bounds a single Opus packet; anything larger means the
// framing is wrong.
const maxOpusPacket = 1500

// ValidateVoiceNote decodes the first Opus frame of a cached voice clip to
// confirm the entry holds playable audio. An undecodable clip is treated
// as a corrupt entry and self-healed: metadata and file are dropped so the
// next request fetches a fresh copy.
func (m *Manager) ValidateVoiceNote(id string) error {
	m.mu.Lock()
	entry, ok := m.entries[id]
	if !ok || !m.verifyEntryLocked(entry) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownAttachment, id)
	}
	path := entry.LocalPath
	m.mu.Unlock()

	if err := probeOpusFile(path); err != nil {
		return m.demoteCorrupt(id, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":      "ValidateVoiceNote",
		"attachment_id": id,
	}).Debug("Voice note validated")

	return nil
}

// probeOpusFile reads the first length-prefixed packet and decodes it.
func probeOpusFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", message.ErrCorruptCacheEntry, err)
	}
	defer f.Close()

	var header [2]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		return fmt.Errorf("%w: truncated packet header", ErrNotVoiceNote)
	}
	packetLen := binary.BigEndian.Uint16(header[:])
	if packetLen == 0 || packetLen > maxOpusPacket {
		return fmt.Errorf("%w: implausible packet length %d", ErrNotVoiceNote, packetLen)
	}

	packet := make([]byte, packetLen)
	if _, err := io.ReadFull(f, packet); err != nil {
		return fmt.Errorf("%w: truncated packet body", ErrNotVoiceNote)
	}

	// 1920 samples covers a 40ms frame at 48kHz; doubled for int16 size,
	// doubled again for stereo.
	out := make([]byte, 1920*2*2)
	decoder := opus.NewDecoder()
	if _, _, err := decoder.Decode(packet, out); err != nil {
		return fmt.Errorf("%w: %v", ErrNotVoiceNote, err)
	}
	return nil
}
