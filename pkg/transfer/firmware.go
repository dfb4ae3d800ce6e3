package transfer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Firmware header fields used by the file updater. The header is little-endian,
// as written by the vendor image tool.
const (
	firmwareMagicOffset = 4
	firmwareSizeOffset  = 8
	FirmwareMagic       = 0x900D900D
)

var (
	ErrBadFirmwareHeader = errors.New("invalid firmware header")
	ErrFirmwareOverrun   = errors.New("firmware data past declared image size")
	ErrNotStarted        = errors.New("firmware load before start")
)

// FileUpdater writes the incoming image to a staging file and renames it into
// place once the declared size has arrived
type FileUpdater struct {
	dir     string
	f       *os.File
	total   uint32
	written uint32
	mutex   sync.Mutex
}

// NewFileUpdater stores images under dir
func NewFileUpdater(dir string) (*FileUpdater, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create firmware directory %s: %w", dir, err)
	}
	return &FileUpdater{dir: dir}, nil
}

// Start validates header and opens a fresh staging file
func (u *FileUpdater) Start(header []byte) error {
	u.mutex.Lock()
	defer u.mutex.Unlock()

	if len(header) < FirmwareHeaderSize {
		return fmt.Errorf("%w: %d bytes", ErrBadFirmwareHeader, len(header))
	}
	if magic := binary.LittleEndian.Uint32(header[firmwareMagicOffset:]); magic != FirmwareMagic {
		return fmt.Errorf("%w: magic 0x%08X", ErrBadFirmwareHeader, magic)
	}
	size := binary.LittleEndian.Uint32(header[firmwareSizeOffset:])
	if size == 0 {
		return fmt.Errorf("%w: empty image", ErrBadFirmwareHeader)
	}

	if u.f != nil {
		u.f.Close()
	}
	f, err := os.Create(filepath.Join(u.dir, "firmware.tmp"))
	if err != nil {
		return fmt.Errorf("failed to create staging file: %w", err)
	}

	u.f = f
	u.total = FirmwareHeaderSize + size
	u.written = 0
	log.Infof("Firmware image: %d bytes", u.total)
	return nil
}

// Load appends chunk and reports LoadDone with the last byte of the image
func (u *FileUpdater) Load(chunk []byte) (LoadStatus, error) {
	u.mutex.Lock()
	defer u.mutex.Unlock()

	if u.f == nil {
		return LoadInProgress, ErrNotStarted
	}
	if u.written+uint32(len(chunk)) > u.total {
		return LoadInProgress, fmt.Errorf("%w: %d + %d > %d", ErrFirmwareOverrun, u.written, len(chunk), u.total)
	}
	if _, err := u.f.Write(chunk); err != nil {
		return LoadInProgress, fmt.Errorf("failed to write firmware: %w", err)
	}
	u.written += uint32(len(chunk))

	if u.written < u.total {
		return LoadInProgress, nil
	}

	if err := u.f.Sync(); err != nil {
		return LoadInProgress, fmt.Errorf("failed to sync firmware: %w", err)
	}
	u.f.Close()
	u.f = nil
	if err := os.Rename(filepath.Join(u.dir, "firmware.tmp"), filepath.Join(u.dir, "firmware.bin")); err != nil {
		return LoadInProgress, fmt.Errorf("failed to install firmware: %w", err)
	}
	return LoadDone, nil
}
