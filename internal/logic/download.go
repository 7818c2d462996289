package logic

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"path/filepath"
	"strconv"
	"time"

	"github.com/WendelHime/swarm/internal/config"
	"github.com/WendelHime/swarm/internal/decoder"
	"github.com/WendelHime/swarm/internal/piece"
	"github.com/WendelHime/swarm/internal/shared/models"
	"github.com/WendelHime/swarm/internal/storage"
	"github.com/WendelHime/swarm/internal/tracker"
	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/afero"
	"golang.org/x/time/rate"
)

var ErrIncomplete = errors.New("download incomplete")

type Downloader interface {
	Download(ctx context.Context, metafile io.Reader, outputDir string) error
	WithFs(fs afero.Fs) Downloader
}

type downloader struct {
	clientID models.Hash
	d        decoder.MetafileDecoder
	cfg      config.Config
	fs       afero.Fs
	log      *slog.Logger
}

func NewDownloader(d decoder.MetafileDecoder, cfg config.Config, logger *slog.Logger) Downloader {
	return &downloader{
		d:        d,
		cfg:      cfg,
		fs:       afero.NewOsFs(),
		log:      logger,
		clientID: generateRandomPeerID(),
	}
}

func (d *downloader) WithFs(fs afero.Fs) Downloader {
	d.fs = fs
	return d
}

const peerIDPrefix = "-SW0100-"

// generateRandomPeerID follows the Azureus convention: a client tag followed
// by random characters.
func generateRandomPeerID() models.Hash {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	r := rand.New(rand.NewSource(time.Now().UnixNano()))

	var peerID models.Hash
	copy(peerID[:], peerIDPrefix)
	for i := len(peerIDPrefix); i < len(peerID); i++ {
		peerID[i] = charset[r.Intn(len(charset))]
	}

	return peerID
}

func (d *downloader) Download(ctx context.Context, metafile io.Reader, outputDir string) error {
	d.log.Info("decoding metafile")
	meta, err := d.d.Decode(metafile)
	if err != nil {
		return err
	}

	d.log.Info("creating output directory", slog.String("output_dir", outputDir))
	if err := d.fs.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	file, err := storage.Open(d.fs, filepath.Join(outputDir, meta.Info.Name), int64(meta.Info.Length))
	if err != nil {
		return err
	}
	store := piece.NewStore(meta.Info, file)
	defer func() {
		if err := store.Close(); err != nil {
			d.log.Error("failed to close output file", slog.Any("error", err))
		}
	}()

	found, err := store.Recheck()
	if err != nil {
		return err
	}
	d.log.Info("rechecked existing data",
		slog.Int("pieces", found),
		slog.String("left", humanize.Bytes(uint64(store.Left()))))

	if store.Done() && !d.cfg.Seed {
		d.log.Info("nothing to download", slog.String("file", file.Path()))
		return nil
	}

	announce := meta.TrackerURL()
	if announce == "" && d.cfg.Port == 0 {
		return ErrNoPeers
	}

	bar := d.progressBar(store)
	defer bar.Finish()

	torrent := NewTorrent(meta, store, tracker.NewTracker(announce), d.clientID, d.cfg, d.log).
		OnPiece(func(_, size int) {
			bar.Add(size)
		})

	if d.cfg.Port > 0 {
		l, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(d.cfg.Port)))
		if err != nil {
			d.log.Warn("not accepting incoming peers", slog.Any("error", err))
		} else {
			torrent.WithListener(l)
		}
	}

	limit, err := d.cfg.UploadLimit()
	if err != nil {
		return err
	}
	if limit != rate.Inf {
		torrent.WithLimiter(rate.NewLimiter(limit, piece.SliceSize))
	}

	if err := torrent.Run(ctx); err != nil {
		return err
	}
	if !store.Done() {
		return fmt.Errorf("%w: %d of %d pieces", ErrIncomplete, store.Completed(), store.Len())
	}
	return nil
}

func (d *downloader) progressBar(store *piece.Store) *progressbar.ProgressBar {
	var bar *progressbar.ProgressBar
	if d.cfg.Progress {
		bar = progressbar.DefaultBytes(store.Length(), "downloading")
	} else {
		bar = progressbar.DefaultBytesSilent(store.Length(), "downloading")
	}
	bar.Add64(store.Length() - store.Left())
	return bar
}
