package tracker

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/WendelHime/swarm/internal/shared/models"
	"github.com/jackpal/bencode-go"
)

type HTTPAnnouncer struct {
	client *http.Client
}

func NewHTTPAnnouncer(client *http.Client) Announcer {
	return &HTTPAnnouncer{client: client}
}

func (h *HTTPAnnouncer) Announce(ctx context.Context, announce string, req AnnounceRequest) (AnnounceResponse, error) {
	tracker, err := url.Parse(announce)
	if err != nil {
		return AnnounceResponse{}, err
	}

	query := tracker.Query()
	query.Set("info_hash", string(req.InfoHash[:]))
	query.Set("peer_id", string(req.PeerID[:]))
	query.Set("port", strconv.Itoa(int(req.Port)))
	query.Set("uploaded", strconv.FormatInt(req.Uploaded, 10))
	query.Set("downloaded", strconv.FormatInt(req.Downloaded, 10))
	query.Set("left", strconv.FormatInt(req.Left, 10))
	query.Set("compact", "1")
	if req.Event != EventNone {
		query.Set("event", string(req.Event))
	}
	tracker.RawQuery = query.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, tracker.String(), nil)
	if err != nil {
		return AnnounceResponse{}, err
	}

	response, err := h.client.Do(httpReq)
	if err != nil {
		return AnnounceResponse{}, err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return AnnounceResponse{}, fmt.Errorf("http error: %s", response.Status)
	}

	return decodeHTTPResponse(response.Body)
}

func decodeHTTPResponse(body io.Reader) (AnnounceResponse, error) {
	raw, err := bencode.Decode(body)
	if err != nil {
		return AnnounceResponse{}, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	dict, ok := raw.(map[string]interface{})
	if !ok {
		return AnnounceResponse{}, fmt.Errorf("response is not a dictionary: %w", ErrMalformedResponse)
	}

	if reason, ok := dict["failure reason"].(string); ok {
		return AnnounceResponse{}, fmt.Errorf("%s: %w", reason, ErrTrackerFailure)
	}

	resp := AnnounceResponse{
		Interval:    seconds(dict["interval"]),
		MinInterval: seconds(dict["min interval"]),
	}

	switch peers := dict["peers"].(type) {
	case string:
		resp.Peers, err = compactPeers([]byte(peers))
	case []interface{}:
		resp.Peers, err = dictPeers(peers)
	case nil:
	default:
		err = fmt.Errorf("peers of type %T: %w", peers, ErrMalformedResponse)
	}
	if err != nil {
		return AnnounceResponse{}, err
	}
	return resp, nil
}

func seconds(v interface{}) time.Duration {
	n, ok := v.(int64)
	if !ok || n < 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

func compactPeers(data []byte) ([]models.Peer, error) {
	if len(data)%6 != 0 {
		return nil, fmt.Errorf("compact peers of %d bytes: %w", len(data), ErrMalformedResponse)
	}
	peers := make([]models.Peer, 0, len(data)/6)
	for i := 0; i < len(data); i += 6 {
		var addr models.Addr
		if err := addr.ReadFromBytes(data[i : i+6]); err != nil {
			return nil, err
		}
		peers = append(peers, models.Peer{Addr: addr})
	}
	return peers, nil
}

// dictPeers reads the non-compact form, which also carries each peer id.
// Entries without a usable address are skipped.
func dictPeers(list []interface{}) ([]models.Peer, error) {
	peers := make([]models.Peer, 0, len(list))
	for _, entry := range list {
		dict, ok := entry.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("peer entry of type %T: %w", entry, ErrMalformedResponse)
		}
		ip, _ := dict["ip"].(string)
		port, _ := dict["port"].(int64)
		if port <= 0 || port > 65535 {
			continue
		}
		// Hostnames are allowed by the protocol but not dialed here.
		addr, err := models.ParseAddr(net.JoinHostPort(ip, strconv.FormatInt(port, 10)))
		if err != nil {
			continue
		}
		peerID, _ := dict["peer id"].(string)
		peers = append(peers, models.Peer{Addr: addr, PeerID: peerID})
	}
	return peers, nil
}
