package tracker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/WendelHime/swarm/internal/shared/models"
)

var (
	ErrUnsupportedProtocol = errors.New("unsupported tracker protocol")
	ErrEmptyAnnounce       = errors.New("announce url is empty")
	ErrTrackerFailure      = errors.New("tracker returned a failure")
	ErrMalformedResponse   = errors.New("malformed tracker response")
)

type Event string

const (
	EventNone      Event = ""
	EventStarted   Event = "started"
	EventStopped   Event = "stopped"
	EventCompleted Event = "completed"
)

type AnnounceRequest struct {
	Event      Event
	InfoHash   models.Hash
	PeerID     models.Hash
	Port       uint16
	Uploaded   int64
	Downloaded int64
	Left       int64
}

// AnnounceResponse carries the peers and the re-announce hints. MinInterval is
// zero when the tracker did not send one.
type AnnounceResponse struct {
	Peers       []models.Peer
	Interval    time.Duration
	MinInterval time.Duration
}

type Tracker interface {
	Announce(ctx context.Context, req AnnounceRequest) (AnnounceResponse, error)
	WithHTTPClient(client *http.Client) Tracker
}

// Announcer speaks one tracker protocol.
type Announcer interface {
	Announce(ctx context.Context, announce string, req AnnounceRequest) (AnnounceResponse, error)
}

type tracker struct {
	AnnounceURL string
	HTTPClient  Announcer
	UDPClient   Announcer
}

func NewTracker(announceURL string) Tracker {
	return &tracker{
		AnnounceURL: announceURL,
		HTTPClient:  NewHTTPAnnouncer(&http.Client{Timeout: 60 * time.Second}),
		UDPClient:   NewUDPAnnouncer(),
	}
}

func (t *tracker) WithHTTPClient(client *http.Client) Tracker {
	t.HTTPClient = NewHTTPAnnouncer(client)
	return t
}

func (t *tracker) Announce(ctx context.Context, req AnnounceRequest) (AnnounceResponse, error) {
	switch {
	case t.AnnounceURL == "":
		return AnnounceResponse{}, ErrEmptyAnnounce
	case strings.HasPrefix(t.AnnounceURL, "http"):
		return t.HTTPClient.Announce(ctx, t.AnnounceURL, req)
	case strings.HasPrefix(t.AnnounceURL, "udp"):
		return t.UDPClient.Announce(ctx, t.AnnounceURL, req)
	default:
		return AnnounceResponse{}, fmt.Errorf("%s: %w", t.AnnounceURL, ErrUnsupportedProtocol)
	}
}

// Reannounce is the delay before the next periodic announce: min interval
// when given, otherwise half the interval.
func (r AnnounceResponse) Reannounce() time.Duration {
	if r.MinInterval > 0 {
		return r.MinInterval
	}
	return r.Interval / 2
}
