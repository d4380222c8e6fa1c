package broadcast

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
)

const youtubeAPIBase = "https://www.googleapis.com/youtube/v3"

// Broadcast is a live broadcast together with its bound ingestion point.
type Broadcast struct {
	ID        string
	StreamID  string
	RTMPURL   string
	StreamKey string
	Privacy   string
	CreatedAt time.Time
}

// LiveAPI is the slice of the YouTube Live API the controller needs.
type LiveAPI interface {
	CreateBroadcast(ctx context.Context, title, description, privacy string) (*Broadcast, error)
	GetBroadcast(ctx context.Context, id string) (*Broadcast, error)
	BindStream(ctx context.Context, broadcastID, streamID string) error
	StreamHealth(ctx context.Context, streamID string) (string, error)
	Transition(ctx context.Context, broadcastID, status string) error
}

// YouTubeClient talks to the YouTube Data API v3 with a bearer token.
type YouTubeClient struct {
	token  string
	base   string
	client *http.Client
}

func NewYouTubeClient(accessToken string) *YouTubeClient {
	return &YouTubeClient{
		token:  accessToken,
		base:   youtubeAPIBase,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

type broadcastResource struct {
	ID      string `json:"id"`
	Snippet struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		PublishedAt string `json:"publishedAt"`
	} `json:"snippet"`
	Status struct {
		LifeCycleStatus string `json:"lifeCycleStatus"`
		PrivacyStatus   string `json:"privacyStatus"`
	} `json:"status"`
	ContentDetails struct {
		BoundStreamID string `json:"boundStreamId"`
	} `json:"contentDetails"`
}

type streamResource struct {
	ID  string `json:"id"`
	CDN struct {
		IngestionInfo struct {
			IngestionAddress string `json:"ingestionAddress"`
			StreamName       string `json:"streamName"`
		} `json:"ingestionInfo"`
	} `json:"cdn"`
	Status struct {
		StreamStatus string `json:"streamStatus"`
		HealthStatus struct {
			Status string `json:"status"`
		} `json:"healthStatus"`
	} `json:"status"`
}

type listResponse[T any] struct {
	Items []T `json:"items"`
}

// CreateBroadcast creates a broadcast plus an ingestion stream, binds them,
// and returns the RTMP coordinates.
func (c *YouTubeClient) CreateBroadcast(ctx context.Context, title, description, privacy string) (*Broadcast, error) {
	now := time.Now().UTC()
	var bres broadcastResource
	err := c.do(ctx, http.MethodPost, "/liveBroadcasts", url.Values{"part": {"id,snippet,status,contentDetails"}}, map[string]any{
		"snippet": map[string]any{
			"title":              title,
			"description":        description,
			"scheduledStartTime": now.Format(time.RFC3339),
		},
		"status": map[string]any{
			"privacyStatus":           privacy,
			"selfDeclaredMadeForKids": false,
		},
		"contentDetails": map[string]any{
			"enableAutoStart": false,
			"enableAutoStop":  false,
		},
	}, &bres)
	if err != nil {
		return nil, err
	}

	var sres streamResource
	err = c.do(ctx, http.MethodPost, "/liveStreams", url.Values{"part": {"id,snippet,cdn,status"}}, map[string]any{
		"snippet": map[string]any{"title": title},
		"cdn": map[string]any{
			"frameRate":     "variable",
			"ingestionType": "rtmp",
			"resolution":    "variable",
		},
	}, &sres)
	if err != nil {
		return nil, err
	}

	if err := c.BindStream(ctx, bres.ID, sres.ID); err != nil {
		return nil, err
	}

	return &Broadcast{
		ID:        bres.ID,
		StreamID:  sres.ID,
		RTMPURL:   sres.CDN.IngestionInfo.IngestionAddress,
		StreamKey: sres.CDN.IngestionInfo.StreamName,
		Privacy:   privacy,
		CreatedAt: now,
	}, nil
}

// GetBroadcast fetches a broadcast and its bound stream coordinates.
func (c *YouTubeClient) GetBroadcast(ctx context.Context, id string) (*Broadcast, error) {
	var blist listResponse[broadcastResource]
	err := c.do(ctx, http.MethodGet, "/liveBroadcasts", url.Values{
		"part": {"id,snippet,status,contentDetails"},
		"id":   {id},
	}, nil, &blist)
	if err != nil {
		return nil, err
	}
	if len(blist.Items) == 0 {
		return nil, fmt.Errorf("%w: broadcast %s not found", ErrAPI, id)
	}
	b := blist.Items[0]
	if b.Status.LifeCycleStatus == "complete" || b.Status.LifeCycleStatus == "revoked" {
		return nil, fmt.Errorf("%w: broadcast %s is %s", ErrAPI, id, b.Status.LifeCycleStatus)
	}

	out := &Broadcast{
		ID:       b.ID,
		StreamID: b.ContentDetails.BoundStreamID,
		Privacy:  b.Status.PrivacyStatus,
	}
	if t, err := time.Parse(time.RFC3339, b.Snippet.PublishedAt); err == nil {
		out.CreatedAt = t
	}
	if out.StreamID != "" {
		var slist listResponse[streamResource]
		err := c.do(ctx, http.MethodGet, "/liveStreams", url.Values{
			"part": {"id,cdn,status"},
			"id":   {out.StreamID},
		}, nil, &slist)
		if err == nil && len(slist.Items) > 0 {
			out.RTMPURL = slist.Items[0].CDN.IngestionInfo.IngestionAddress
			out.StreamKey = slist.Items[0].CDN.IngestionInfo.StreamName
		}
	}
	return out, nil
}

// BindStream binds an ingestion stream to a broadcast.
func (c *YouTubeClient) BindStream(ctx context.Context, broadcastID, streamID string) error {
	return c.do(ctx, http.MethodPost, "/liveBroadcasts/bind", url.Values{
		"part":     {"id,contentDetails"},
		"id":       {broadcastID},
		"streamId": {streamID},
	}, nil, nil)
}

// StreamHealth returns the ingestion health status string ("good", "ok",
// "bad", "noData").
func (c *YouTubeClient) StreamHealth(ctx context.Context, streamID string) (string, error) {
	var slist listResponse[streamResource]
	err := c.do(ctx, http.MethodGet, "/liveStreams", url.Values{
		"part": {"id,status"},
		"id":   {streamID},
	}, nil, &slist)
	if err != nil {
		return "", err
	}
	if len(slist.Items) == 0 {
		return "", fmt.Errorf("%w: stream %s not found", ErrAPI, streamID)
	}
	return slist.Items[0].Status.HealthStatus.Status, nil
}

// Transition moves a broadcast to the given lifecycle status ("testing",
// "live", "complete").
func (c *YouTubeClient) Transition(ctx context.Context, broadcastID, status string) error {
	return c.do(ctx, http.MethodPost, "/liveBroadcasts/transition", url.Values{
		"part":            {"id,status"},
		"id":              {broadcastID},
		"broadcastStatus": {status},
	}, nil, nil)
}

// do performs one API call, translating HTTP failures into the package's
// error taxonomy.
func (c *YouTubeClient) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: encode request: %v", ErrAPI, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAPI, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAPI, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrAuth
	case resp.StatusCode == http.StatusForbidden:
		// 403 covers both quota exhaustion and permission problems; the
		// reason field disambiguates.
		var apiErr struct {
			Error struct {
				Errors []struct {
					Reason string `json:"reason"`
				} `json:"errors"`
			} `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(data, &apiErr) == nil {
			for _, e := range apiErr.Error.Errors {
				if e.Reason == "quotaExceeded" || e.Reason == "rateLimitExceeded" || e.Reason == "dailyLimitExceeded" {
					return ErrQuota
				}
			}
		}
		return ErrAuth
	case resp.StatusCode >= 400:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("%w: %s %s returned %d: %s", ErrAPI, method, path, resp.StatusCode, bytes.TrimSpace(data))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrAPI, err)
	}
	return nil
}
