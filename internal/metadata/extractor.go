// Package metadata extracts tag metadata, durations and artwork references
// from media files, and derives the generated sort keys stored alongside
// them.
package metadata

import (
	"crypto/md5"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"melodeon/pkg/models"

	"github.com/dhowden/tag"
	"github.com/go-audio/wav"
	"github.com/mewkiz/flac"
	"github.com/sirupsen/logrus"
	"github.com/tcolgate/mp3"
)

// coverNames are the artwork files probed, in order, when a media file
// carries no embedded picture.
var coverNames = []string{"cover.jpg", "cover.png", "folder.jpg", "front.jpg"}

// Result is one extraction outcome. Tagged is false when the file carried
// no readable tags and Meta was derived from the filename; that case is a
// successful extraction, not an error.
type Result struct {
	Meta    models.TrackMeta
	Artwork models.ArtworkRef
	Tagged  bool
	Size    int64
	MTime   time.Time
}

// Extractor reads metadata from media files. It is safe for concurrent use.
type Extractor struct {
	formats []string
	logger  *logrus.Logger

	artMu    sync.RWMutex
	artCache map[string][]byte // embedded artwork by content hash
}

// NewExtractor creates an extractor accepting the given file extensions
// (".mp3" etc.).
func NewExtractor(formats []string, logger *logrus.Logger) *Extractor {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return &Extractor{
		formats:  formats,
		logger:   logger,
		artCache: make(map[string][]byte),
	}
}

// Extract reads tags, duration and artwork from the media file at filePath.
func (e *Extractor) Extract(filePath string) (Result, error) {
	startTime := time.Now()

	file, err := os.Open(filePath)
	if err != nil {
		return Result{}, fmt.Errorf("failed to open media file: %w", err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return Result{}, fmt.Errorf("failed to stat media file: %w", err)
	}

	duration, err := e.duration(filePath)
	if err != nil {
		e.logger.WithFields(logrus.Fields{
			"filePath": filePath,
			"error":    err.Error(),
		}).Warn("Failed to calculate duration, setting to 0")
		duration = 0
	}

	res := Result{
		Tagged: true,
		Size:   stat.Size(),
		MTime:  stat.ModTime(),
	}
	res.Meta.Duration = duration

	meta, err := tag.ReadFrom(file)
	if err != nil {
		// untagged file: fall back to the filename and report the
		// outcome through Tagged rather than an error
		name := strings.TrimSuffix(filepath.Base(filePath), filepath.Ext(filePath))
		res.Tagged = false
		res.Meta.Title = name
		res.Artwork = e.coverFileArtwork(filepath.Dir(filePath))
		e.logger.WithFields(logrus.Fields{
			"filePath": filePath,
			"error":    err.Error(),
		}).Debug("No readable tags, using filename")
		return res, nil
	}

	res.Meta.Title = meta.Title()
	if res.Meta.Title == "" {
		res.Meta.Title = strings.TrimSuffix(filepath.Base(filePath), filepath.Ext(filePath))
	}
	res.Meta.Artist = meta.Artist()
	res.Meta.Album = meta.Album()
	res.Meta.Genre = meta.Genre()
	res.Meta.TrackNumber, res.Meta.TrackTotal = meta.Track()
	res.Meta.DiscNumber, res.Meta.DiscTotal = meta.Disc()

	if pic := meta.Picture(); pic != nil {
		hash := md5.Sum(pic.Data)
		artID := fmt.Sprintf("%x", hash)
		e.artMu.Lock()
		e.artCache[artID] = pic.Data
		e.artMu.Unlock()
		res.Meta.ArtworkSummary = artID
		res.Artwork = models.ArtworkRef{Kind: models.ArtworkEmbedded, Path: filePath}
	} else {
		res.Artwork = e.coverFileArtwork(filepath.Dir(filePath))
	}

	e.logger.WithFields(logrus.Fields{
		"filePath":       filePath,
		"title":          res.Meta.Title,
		"artist":         res.Meta.Artist,
		"album":          res.Meta.Album,
		"duration":       duration,
		"processingTime": time.Since(startTime),
	}).Debug("Extracted metadata")
	return res, nil
}

// coverFileArtwork probes the directory for a well-known cover image file.
func (e *Extractor) coverFileArtwork(dir string) models.ArtworkRef {
	for _, name := range coverNames {
		p := filepath.Join(dir, name)
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			return models.ArtworkRef{Kind: models.ArtworkFile, Path: p}
		}
	}
	return models.ArtworkRef{Kind: models.ArtworkNone}
}

// EmbeddedArtwork retrieves cached embedded artwork bytes by content hash.
func (e *Extractor) EmbeddedArtwork(artID string) ([]byte, bool) {
	e.artMu.RLock()
	data, ok := e.artCache[artID]
	e.artMu.RUnlock()
	return data, ok
}

// ArtworkMimeType guesses the MIME type of artwork bytes.
func (e *Extractor) ArtworkMimeType(data []byte) string {
	if len(data) < 4 {
		return "application/octet-stream"
	}
	if data[0] == 0xFF && data[1] == 0xD8 {
		return "image/jpeg"
	}
	if data[0] == 0x89 && data[1] == 0x50 && data[2] == 0x4E && data[3] == 0x47 {
		return "image/png"
	}
	if data[0] == 0x47 && data[1] == 0x49 && data[2] == 0x46 {
		return "image/gif"
	}
	return "application/octet-stream"
}

// IsMediaFile checks whether a file has one of the accepted extensions.
func (e *Extractor) IsMediaFile(filePath string) bool {
	ext := strings.ToLower(filepath.Ext(filePath))
	for _, format := range e.formats {
		if ext == format {
			return true
		}
	}
	return false
}

// duration dispatches to a per-format duration probe.
func (e *Extractor) duration(filePath string) (int, error) {
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".mp3":
		return durationMP3(filePath)
	case ".flac":
		return durationFLAC(filePath)
	case ".wav":
		return durationWAV(filePath)
	case ".m4a":
		return durationM4A(filePath)
	default:
		return 0, fmt.Errorf("unsupported format: %s", filepath.Ext(filePath))
	}
}

// MP3 duration by frame decoding; falls back to an average-bitrate estimate
// only when no frame decodes at all.
func durationMP3(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	dec := mp3.NewDecoder(f)
	var total time.Duration
	var skipped int
	frames := 0
	for {
		var fr mp3.Frame
		if err := dec.Decode(&fr, &skipped); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if frames == 0 {
				return estimateFromFileSize(path, 192000) // assume 192 kbps
			}
			break // partial decode; use what we have
		}
		total += fr.Duration()
		frames++
	}
	return int(total.Seconds()), nil
}

// FLAC duration via the STREAMINFO metadata block.
func durationFLAC(path string) (int, error) {
	stream, err := flac.ParseFile(path)
	if err != nil {
		return 0, err
	}
	si := stream.Info
	if si.NSamples > 0 && si.SampleRate > 0 {
		secs := float64(si.NSamples) / float64(si.SampleRate)
		return int(secs + 0.5), nil
	}
	return 0, fmt.Errorf("flac stream missing sample info")
}

// WAV duration from the header plus file size; counting sample frames
// exactly would require decoding the whole file.
func durationWAV(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return 0, fmt.Errorf("invalid wav file")
	}
	if dec.SampleRate == 0 || dec.BitDepth == 0 || dec.NumChans == 0 {
		return 0, fmt.Errorf("invalid wav header")
	}
	st, err := f.Stat()
	if err != nil {
		return 0, err
	}
	headerSize := int64(44)
	pcmBytes := st.Size() - headerSize
	if pcmBytes < 0 {
		pcmBytes = 0
	}
	bytesPerSampleFrame := int64(dec.BitDepth/8) * int64(dec.NumChans)
	if bytesPerSampleFrame <= 0 {
		return 0, fmt.Errorf("invalid sample frame size")
	}
	sampleFrames := pcmBytes / bytesPerSampleFrame
	secs := float64(sampleFrames) / float64(dec.SampleRate)
	return int(secs + 0.5), nil
}

// M4A (AAC in MP4) duration from the mvhd atom's timescale and duration
// fields. Manual atom scan to avoid a full MP4 parser dependency.
func durationM4A(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	for {
		head := make([]byte, 8)
		if _, err := io.ReadFull(f, head); err != nil {
			return 0, err
		}
		size := binary.BigEndian.Uint32(head[0:4])
		atom := string(head[4:8])
		if size < 8 {
			return 0, fmt.Errorf("invalid atom size")
		}
		if atom == "moov" {
			limit := int64(size) - 8
			for read := int64(0); read < limit; {
				subHead := make([]byte, 8)
				if _, err := io.ReadFull(f, subHead); err != nil {
					return 0, err
				}
				subSize := binary.BigEndian.Uint32(subHead[0:4])
				subAtom := string(subHead[4:8])
				if subAtom == "mvhd" {
					version := make([]byte, 1)
					if _, err := io.ReadFull(f, version); err != nil {
						return 0, err
					}
					var skip int64
					if version[0] == 1 { // 64-bit creation/modification times
						skip = 3 + 8 + 8
					} else {
						skip = 3 + 4 + 4
					}
					if _, err := f.Seek(skip, io.SeekCurrent); err != nil {
						return 0, err
					}
					tsBuf := make([]byte, 4)
					if _, err := io.ReadFull(f, tsBuf); err != nil {
						return 0, err
					}
					timescale := binary.BigEndian.Uint32(tsBuf)
					durBuf := make([]byte, 4)
					if _, err := io.ReadFull(f, durBuf); err != nil {
						return 0, err
					}
					durUnits := binary.BigEndian.Uint32(durBuf)
					if timescale == 0 {
						return 0, fmt.Errorf("invalid timescale")
					}
					secs := float64(durUnits) / float64(timescale)
					return int(secs + 0.5), nil
				}
				if subSize < 8 {
					return 0, fmt.Errorf("invalid sub-atom size")
				}
				if _, err := f.Seek(int64(subSize)-8, io.SeekCurrent); err != nil {
					return 0, err
				}
				read += int64(subSize)
			}
			break
		}
		if _, err := f.Seek(int64(size)-8, io.SeekCurrent); err != nil {
			return 0, err
		}
	}
	return 0, fmt.Errorf("mvhd atom not found")
}

// estimateFromFileSize is the last-resort duration estimate.
func estimateFromFileSize(path string, bitrate int) (int, error) {
	st, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if bitrate <= 0 {
		return 0, fmt.Errorf("invalid bitrate")
	}
	return int((st.Size() * 8) / int64(bitrate)), nil
}
