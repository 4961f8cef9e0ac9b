// Package attachments encrypts, chunks, uploads, downloads, verifies, and
// caches binary payloads. Content is AES-256-GCM encrypted client side; the
// blob store only ever sees ciphertext.
package attachments

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/rhelsing/obscura/internal/apiclient"
	"github.com/rhelsing/obscura/internal/cryptoutil"
	"github.com/rhelsing/obscura/internal/metrics"
	"github.com/rhelsing/obscura/internal/wire"
)

// DefaultChunkSize is the ciphertext size above which uploads are split.
const DefaultChunkSize = 950 * 1024

// ErrIntegrity is returned when a downloaded attachment's digest does not
// match the envelope's content hash. The attachment is not cached.
var ErrIntegrity = errors.New("attachment content hash mismatch")

// Progress observes per-chunk transfer progress.
type Progress func(chunksDone, chunksTotal int)

// Pipeline performs attachment uploads and downloads.
type Pipeline struct {
	api       *apiclient.Client
	cache     *Cache
	chunkSize int64
	logger    *log.Logger
}

// NewPipeline creates a pipeline. chunkSize <= 0 selects the default.
func NewPipeline(api *apiclient.Client, cache *Cache, chunkSize int64) *Pipeline {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Pipeline{
		api:       api,
		cache:     cache,
		chunkSize: chunkSize,
		logger:    log.New(os.Stdout, "[ATTACH] ", log.Ldate|log.Ltime|log.LUTC),
	}
}

// Cache returns the underlying plaintext cache.
func (p *Pipeline) Cache() *Cache {
	return p.cache
}

// Upload encrypts and stores a payload, returning the envelope that rides
// inside the message. The decrypted plaintext is cached immediately so the
// sender sees its own media after a refresh.
func (p *Pipeline) Upload(ctx context.Context, plaintext []byte, contentType string, progress Progress) (*wire.AttachmentPointer, error) {
	contentKey, err := cryptoutil.RandomBytes(cryptoutil.KeySize)
	if err != nil {
		return nil, err
	}
	nonce, err := cryptoutil.RandomBytes(cryptoutil.NonceSize)
	if err != nil {
		return nil, err
	}

	contentHash := cryptoutil.Digest(plaintext)

	ciphertext, err := cryptoutil.EncryptGCM(contentKey, nonce, plaintext, nil)
	if err != nil {
		return nil, fmt.Errorf("attachment encryption failed: %w", err)
	}

	var attachmentID string
	var totalChunks uint32

	if int64(len(ciphertext)) <= p.chunkSize {
		attachmentID, err = p.api.UploadAttachment(ctx, ciphertext)
		if err != nil {
			return nil, err
		}
		if progress != nil {
			progress(1, 1)
		}
	} else {
		attachmentID, totalChunks, err = p.uploadChunked(ctx, ciphertext, progress)
		if err != nil {
			return nil, err
		}
	}

	if err := p.cache.Put(ctx, attachmentID, plaintext, contentType); err != nil {
		return nil, err
	}
	metrics.AttachmentBytes.WithLabelValues("upload").Add(float64(len(plaintext)))

	return &wire.AttachmentPointer{
		AttachmentID: attachmentID,
		ContentKey:   contentKey,
		Nonce:        nonce,
		ContentHash:  contentHash,
		ContentType:  contentType,
		SizeBytes:    int64(len(plaintext)),
		TotalChunks:  totalChunks,
	}, nil
}

func (p *Pipeline) uploadChunked(ctx context.Context, ciphertext []byte, progress Progress) (string, uint32, error) {
	attachmentID, err := p.api.AllocateAttachment(ctx)
	if err != nil {
		return "", 0, err
	}

	total := int((int64(len(ciphertext)) + p.chunkSize - 1) / p.chunkSize)
	p.logger.Printf("Uploading attachment %s in %d chunks", attachmentID, total)

	for i := 0; i < total; i++ {
		start := int64(i) * p.chunkSize
		end := start + p.chunkSize
		if end > int64(len(ciphertext)) {
			end = int64(len(ciphertext))
		}
		if err := p.api.UploadAttachmentChunk(ctx, attachmentID, i, total, ciphertext[start:end]); err != nil {
			return "", 0, err
		}
		metrics.AttachmentChunksUploaded.Inc()
		if progress != nil {
			progress(i+1, total)
		}
	}
	return attachmentID, uint32(total), nil
}

// Download fetches an attachment by envelope, verifies its digest in
// constant time, caches the plaintext, and returns it. A cached copy short
// circuits the network entirely.
func (p *Pipeline) Download(ctx context.Context, ptr *wire.AttachmentPointer, progress Progress) ([]byte, error) {
	if cached, _, err := p.cache.Get(ctx, ptr.AttachmentID); err != nil {
		return nil, err
	} else if cached != nil {
		return cached, nil
	}

	ciphertext, err := p.fetch(ctx, ptr, progress)
	if err != nil {
		return nil, err
	}

	plaintext, err := cryptoutil.DecryptGCM(ptr.ContentKey, ptr.Nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("attachment decryption failed: %w", err)
	}

	if !cryptoutil.ConstantTimeEqual(cryptoutil.Digest(plaintext), ptr.ContentHash) {
		metrics.AttachmentIntegrityFailures.Inc()
		return nil, fmt.Errorf("%w: %s", ErrIntegrity, ptr.AttachmentID)
	}

	if err := p.cache.Put(ctx, ptr.AttachmentID, plaintext, ptr.ContentType); err != nil {
		return nil, err
	}
	metrics.AttachmentBytes.WithLabelValues("download").Add(float64(len(plaintext)))
	return plaintext, nil
}

func (p *Pipeline) fetch(ctx context.Context, ptr *wire.AttachmentPointer, progress Progress) ([]byte, error) {
	if ptr.TotalChunks <= 1 {
		data, err := p.api.DownloadAttachment(ctx, ptr.AttachmentID)
		if err != nil {
			return nil, err
		}
		if progress != nil {
			progress(1, 1)
		}
		return data, nil
	}

	total := int(ptr.TotalChunks)
	var ciphertext []byte
	for i := 0; i < total; i++ {
		chunk, err := p.api.DownloadAttachmentChunk(ctx, ptr.AttachmentID, i)
		if err != nil {
			return nil, err
		}
		ciphertext = append(ciphertext, chunk...)
		if progress != nil {
			progress(i+1, total)
		}
	}
	return ciphertext, nil
}
