package download

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/justapithecus/skiff/iox"
	"github.com/justapithecus/skiff/types"
)

// SidecarSuffix is appended to the destination path to name the sidecar.
const SidecarSuffix = ".state"

// Sidecar framing constants.
const (
	// lengthPrefixSize is the size of the big-endian payload length.
	lengthPrefixSize = 4
	// maxSidecarPayload bounds the msgpack payload.
	maxSidecarPayload = 64 * 1024
)

// SidecarErrorKind classifies sidecar decoding errors.
type SidecarErrorKind int

const (
	// SidecarErrorPartial indicates a truncated sidecar (crash mid-write).
	SidecarErrorPartial SidecarErrorKind = iota
	// SidecarErrorTooLarge indicates a payload exceeding maxSidecarPayload.
	SidecarErrorTooLarge
	// SidecarErrorDecode indicates a msgpack decoding error.
	SidecarErrorDecode
)

// SidecarError represents an unreadable sidecar. Any SidecarError makes the
// partial download stale: it is discarded and the download restarts from zero.
type SidecarError struct {
	Kind SidecarErrorKind
	Msg  string
	Err  error
}

func (e *SidecarError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *SidecarError) Unwrap() error {
	return e.Err
}

// IsSidecarError returns true if err is a sidecar decoding error.
func IsSidecarError(err error) bool {
	var sErr *SidecarError
	return errors.As(err, &sErr)
}

// SidecarPath returns the sidecar path for a download destination.
func SidecarPath(dest string) string {
	return dest + SidecarSuffix
}

// encodeSidecar frames the state as a length-prefixed msgpack payload.
func encodeSidecar(state *types.DownloadState) ([]byte, error) {
	payload, err := msgpack.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encode sidecar: %w", err)
	}
	if len(payload) > maxSidecarPayload {
		return nil, fmt.Errorf("sidecar payload %d exceeds maximum %d", len(payload), maxSidecarPayload)
	}
	buf := make([]byte, lengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[lengthPrefixSize:], payload)
	return buf, nil
}

// decodeSidecar reads a single framed state from r.
func decodeSidecar(r io.Reader) (*types.DownloadState, error) {
	var lengthBuf [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return nil, &SidecarError{Kind: SidecarErrorPartial, Msg: "failed to read length prefix", Err: err}
	}

	size := binary.BigEndian.Uint32(lengthBuf[:])
	if size > maxSidecarPayload {
		return nil, &SidecarError{
			Kind: SidecarErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", size, maxSidecarPayload),
		}
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, &SidecarError{Kind: SidecarErrorPartial, Msg: "failed to read payload", Err: err}
	}

	var state types.DownloadState
	if err := msgpack.Unmarshal(payload, &state); err != nil {
		return nil, &SidecarError{Kind: SidecarErrorDecode, Msg: "failed to decode download state", Err: err}
	}
	return &state, nil
}

// ReadSidecar loads the sidecar for dest.
// Returns an error satisfying os.IsNotExist when no download is pending.
func ReadSidecar(dest string) (*types.DownloadState, error) {
	data, err := os.ReadFile(SidecarPath(dest))
	if err != nil {
		return nil, err
	}
	return decodeSidecar(bytes.NewReader(data))
}

// writeSidecar replaces the sidecar atomically.
func writeSidecar(dest string, state *types.DownloadState) error {
	data, err := encodeSidecar(state)
	if err != nil {
		return err
	}
	return iox.WriteFileAtomic(SidecarPath(dest), data, 0o644)
}
