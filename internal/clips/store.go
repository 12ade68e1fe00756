// Package clips stores recorded audio clips as zstd-compressed WAV files.
package clips

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/klauspost/compress/zstd"

	"github.com/svarah/svarah-core/internal/config"
)

var (
	// ErrClipNotFound is returned when no clip is stored under a reference.
	ErrClipNotFound = errors.New("audio clip not found")
	// ErrInvalidClip is returned for audio the store cannot hold.
	ErrInvalidClip = errors.New("invalid audio clip")
)

const (
	bitDepth   = 16
	pcmFormat  = 1
	fileSuffix = ".wav.zst"
)

// Clip is decoded 16-bit little-endian PCM audio.
type Clip struct {
	SampleRate int
	Channels   int
	PCM        []byte
}

// Store keeps one file per clip reference under a directory.
type Store struct {
	dir     string
	log     *slog.Logger
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.Mutex
}

func Open(cfg config.ClipsConfig, log *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(cfg.Directory, 0o755); err != nil {
		return nil, fmt.Errorf("create clip directory: %w", err)
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevel(cfg.CompressionLevel)))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Store{
		dir:     cfg.Directory,
		log:     log.With(slog.String("component", "clip-store")),
		encoder: encoder,
		decoder: decoder,
	}, nil
}

func (s *Store) Close() error {
	s.decoder.Close()
	return s.encoder.Close()
}

// Put stores clip under ref, replacing any previous recording.
func (s *Store) Put(ref string, clip Clip) error {
	if ref == "" {
		return fmt.Errorf("%w: reference must not be empty", ErrInvalidClip)
	}
	if clip.SampleRate <= 0 || clip.Channels <= 0 {
		return fmt.Errorf("%w: sample rate and channels must be positive", ErrInvalidClip)
	}
	if len(clip.PCM) == 0 || len(clip.PCM)%(2*clip.Channels) != 0 {
		return fmt.Errorf("%w: pcm payload not aligned", ErrInvalidClip)
	}
	raw, err := s.encodeWAV(clip)
	if err != nil {
		return fmt.Errorf("encode clip %q: %w", ref, err)
	}

	s.mu.Lock()
	data := s.encoder.EncodeAll(raw, nil)
	s.mu.Unlock()

	path := s.path(ref)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write clip %q: %w", ref, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write clip %q: %w", ref, err)
	}
	s.log.Debug("clip stored", slog.String("ref", ref), slog.Int("wav_bytes", len(raw)), slog.Int("bytes", len(data)))
	return nil
}

// PutWAV stores a recording read from a 16-bit PCM WAV stream.
func (s *Store) PutWAV(ref string, r io.ReadSeeker) error {
	clip, err := decodeWAV(r)
	if err != nil {
		return fmt.Errorf("clip %q: %w", ref, err)
	}
	return s.Put(ref, clip)
}

// Load returns the clip stored under ref or ErrClipNotFound.
func (s *Store) Load(ref string) (Clip, error) {
	data, err := os.ReadFile(s.path(ref))
	if errors.Is(err, fs.ErrNotExist) {
		return Clip{}, fmt.Errorf("clip %q: %w", ref, ErrClipNotFound)
	}
	if err != nil {
		return Clip{}, fmt.Errorf("read clip %q: %w", ref, err)
	}
	raw, err := s.decoder.DecodeAll(data, nil)
	if err != nil {
		return Clip{}, fmt.Errorf("decompress clip %q: %w", ref, err)
	}
	clip, err := decodeWAV(bytes.NewReader(raw))
	if err != nil {
		return Clip{}, fmt.Errorf("clip %q: %w", ref, err)
	}
	return clip, nil
}

// Has reports whether a clip is stored under ref.
func (s *Store) Has(ref string) bool {
	_, err := os.Stat(s.path(ref))
	return err == nil
}

// Delete removes the clip under ref. Deleting a missing clip is not an error.
func (s *Store) Delete(ref string) error {
	err := os.Remove(s.path(ref))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *Store) path(ref string) string {
	sum := sha256.Sum256([]byte(ref))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:16])+fileSuffix)
}

// encodeWAV writes clip through a scratch file because the encoder patches
// the RIFF sizes in place on Close.
func (s *Store) encodeWAV(clip Clip) ([]byte, error) {
	file, err := os.CreateTemp(s.dir, "clip-*.wav")
	if err != nil {
		return nil, fmt.Errorf("create wav scratch file: %w", err)
	}
	defer func() {
		_ = file.Close()
		_ = os.Remove(file.Name())
	}()

	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: clip.Channels, SampleRate: clip.SampleRate},
		SourceBitDepth: bitDepth,
		Data:           make([]int, len(clip.PCM)/2),
	}
	for i := range buffer.Data {
		buffer.Data[i] = int(int16(binary.LittleEndian.Uint16(clip.PCM[i*2:])))
	}
	enc := wav.NewEncoder(file, clip.SampleRate, bitDepth, clip.Channels, pcmFormat)
	if err := enc.Write(buffer); err != nil {
		return nil, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close wav encoder: %w", err)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return io.ReadAll(file)
}

func decodeWAV(r io.ReadSeeker) (Clip, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return Clip{}, fmt.Errorf("%w: not a wav file", ErrInvalidClip)
	}
	if dec.BitDepth != bitDepth {
		return Clip{}, fmt.Errorf("%w: %d-bit audio, want %d-bit", ErrInvalidClip, dec.BitDepth, bitDepth)
	}
	buffer, err := dec.FullPCMBuffer()
	if err != nil {
		return Clip{}, fmt.Errorf("read wav samples: %w", err)
	}
	pcm := make([]byte, len(buffer.Data)*2)
	for i, sample := range buffer.Data {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(sample)))
	}
	return Clip{SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans), PCM: pcm}, nil
}
