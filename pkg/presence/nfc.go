package presence

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/atvirokodosprendimai/tapbeacon/pkg/ndef"
)

// TagWriter is the NFC tag driver. The mailbox is the volatile area read by
// a phone during a tap; the EEPROM holds the static message shown when the
// mailbox is empty.
type TagWriter interface {
	WriteMailbox(ctx context.Context, msg []byte) error
	WriteEEPROM(ctx context.Context, msg []byte) error
}

// NFCPublisher wraps each payload URL in an NDEF URI record and writes it
// to the tag mailbox.
type NFCPublisher struct {
	writer     TagWriter
	staticText string
}

// NewNFCPublisher creates an NFCPublisher. staticText, if set, is written to
// the tag EEPROM by WriteStatic.
func NewNFCPublisher(w TagWriter, staticText string) *NFCPublisher {
	return &NFCPublisher{writer: w, staticText: staticText}
}

// WriteStatic stores the static text record in EEPROM. Called once at startup.
func (n *NFCPublisher) WriteStatic(ctx context.Context) error {
	if n.staticText == "" {
		return nil
	}
	if err := n.writer.WriteEEPROM(ctx, ndef.Encode(ndef.NewText(n.staticText, "en"))); err != nil {
		return fmt.Errorf("write static record: %w", err)
	}
	log.Printf("[NFC] Static EEPROM record written")
	return nil
}

// Publish writes p.URL as a single URI record message.
func (n *NFCPublisher) Publish(ctx context.Context, p Payload) error {
	msg := ndef.Encode(ndef.NewURI(p.URL))
	if err := n.writer.WriteMailbox(ctx, msg); err != nil {
		return fmt.Errorf("write NDEF mailbox: %w", err)
	}
	return nil
}

// FileTagWriter emulates a tag by writing messages to files. Each write
// replaces the file atomically so a reader never sees a partial message.
type FileTagWriter struct {
	MailboxPath string
	EEPROMPath  string
}

func (w FileTagWriter) WriteMailbox(ctx context.Context, msg []byte) error {
	return writeFileAtomic(ctx, w.MailboxPath, msg)
}

func (w FileTagWriter) WriteEEPROM(ctx context.Context, msg []byte) error {
	if w.EEPROMPath == "" {
		return nil
	}
	return writeFileAtomic(ctx, w.EEPROMPath, msg)
}

// ReadMailbox returns the records currently in the mailbox file.
func (w FileTagWriter) ReadMailbox() ([]ndef.Record, error) {
	data, err := os.ReadFile(w.MailboxPath)
	if err != nil {
		return nil, err
	}
	return ndef.Decode(data)
}

func writeFileAtomic(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if path == "" {
		return fmt.Errorf("tag path is empty")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create tag directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
