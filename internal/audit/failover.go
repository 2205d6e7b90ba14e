package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	SpoolDir           = "./audit_spool"
	MaxSpoolSize int64 = 256 * 1024 * 1024
)

const spoolFile = "audit_spool.log"

func ConfigureFailover(dir string, maxMB int64) {
	if dir != "" {
		SpoolDir = dir
	}
	if maxMB > 0 {
		MaxSpoolSize = maxMB * 1024 * 1024
	}
	_ = os.MkdirAll(SpoolDir, 0750)
}

// SpoolEvent appends one event to the on-disk spool. The spool is the last
// line of defense, so it only fails when the disk itself is unusable.
func SpoolEvent(evt Event) error {
	if isSpoolFull() {
		return fmt.Errorf("spool exceeds %d bytes", MaxSpoolSize)
	}

	payload := FailoverEvent{
		EventID:   evt.EventID.String(),
		Payload:   evt,
		Timestamp: time.Now().UTC(),
	}

	line, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(filepath.Join(SpoolDir, spoolFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return nil
}

func isSpoolFull() bool {
	var size int64
	filepath.Walk(SpoolDir, func(_ string, info fs.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size >= MaxSpoolSize
}

// StartReplayer periodically flushes spooled events back into the database.
func (s *Service) StartReplayer(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.ReplaySpool(ctx)
			}
		}
	}()
}

var replayLock sync.Mutex

// ReplaySpool renames the spool aside and re-submits each line through
// WriteEvent. Lines that still cannot reach the DB land back in a fresh
// spool file, so nothing is lost across repeated outages.
func (s *Service) ReplaySpool(ctx context.Context) {
	replayLock.Lock()
	defer replayLock.Unlock()

	filename := filepath.Join(SpoolDir, spoolFile)
	info, err := os.Stat(filename)
	if os.IsNotExist(err) || (info != nil && info.Size() == 0) {
		return
	}

	replayFile := filepath.Join(SpoolDir, fmt.Sprintf("replay_%d.log", time.Now().UnixNano()))
	if err := os.Rename(filename, replayFile); err != nil {
		log.Printf("audit: failed to rotate spool for replay: %v", err)
		return
	}

	f, err := os.Open(replayFile)
	if err != nil {
		return
	}

	scanner := bufio.NewScanner(f)
	var succeeded int

	for scanner.Scan() {
		var fe FailoverEvent
		if err := json.Unmarshal(scanner.Bytes(), &fe); err != nil {
			continue
		}
		if err := s.WriteEvent(ctx, fe.Payload); err == nil {
			succeeded++
		}
	}

	f.Close()
	os.Remove(replayFile)

	if succeeded > 0 {
		log.Printf("audit: replay flushed %d events", succeeded)
	}
}
