package blobchannel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"
)

const (
	DefaultDiscordBaseURL = "https://discord.com/api/v10"

	discordRequestTimeout = 60 * time.Second
	discordMaxTries       = 4
	discordReadyTTL       = time.Minute
	discordErrorBodyLimit = 512

	// Discord allows 5 message creates per 5 seconds per channel.
	discordBurst    = 5
	discordInterval = 5 * time.Second
)

// DiscordOptions configures a Discord channel.
type DiscordOptions struct {
	Token       string
	ChannelID   string
	BaseURL     string
	MaxBlobSize int64
	HTTPClient  *http.Client
	Logger      *slog.Logger
	// Limiter overrides the per-channel message rate limit. Nil uses 5 per 5s.
	Limiter *rate.Limiter
	// RetryInitialInterval is the first backoff step for retryable failures.
	RetryInitialInterval time.Duration
}

// Discord posts blobs as message attachments in one text channel and
// fetches them back from the CDN.
type Discord struct {
	token     string
	channelID string
	baseURL   string
	maxBlob   int64
	http      *http.Client
	limiter   *rate.Limiter
	logger    *slog.Logger
	initial   time.Duration

	mu         sync.Mutex
	readyUntil time.Time
}

type discordAttachment struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	URL      string `json:"url"`
}

type discordMessage struct {
	ID          string              `json:"id"`
	Attachments []discordAttachment `json:"attachments"`
}

type discordRateLimit struct {
	Message    string  `json:"message"`
	RetryAfter float64 `json:"retry_after"`
	Global     bool    `json:"global"`
}

type discordRefreshRequest struct {
	AttachmentURLs []string `json:"attachment_urls"`
}

type discordRefreshResponse struct {
	RefreshedURLs []struct {
		Original  string `json:"original"`
		Refreshed string `json:"refreshed"`
	} `json:"refreshed_urls"`
}

// NewDiscord validates options and returns a Discord channel.
func NewDiscord(opts DiscordOptions) (*Discord, error) {
	if strings.TrimSpace(opts.Token) == "" {
		return nil, fmt.Errorf("discord token is required")
	}
	if strings.TrimSpace(opts.ChannelID) == "" {
		return nil, fmt.Errorf("discord channel id is required")
	}
	if opts.MaxBlobSize <= 0 {
		return nil, fmt.Errorf("discord max blob size must be positive")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultDiscordBaseURL
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: discordRequestTimeout}
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Every(discordInterval/discordBurst), discordBurst)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	initial := opts.RetryInitialInterval
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	return &Discord{
		token:     strings.TrimSpace(opts.Token),
		channelID: strings.TrimSpace(opts.ChannelID),
		baseURL:   baseURL,
		maxBlob:   opts.MaxBlobSize,
		http:      client,
		limiter:   limiter,
		logger:    logger.With("component", "discord"),
		initial:   initial,
	}, nil
}

// MaxBlobSize returns the attachment ceiling.
func (d *Discord) MaxBlobSize() int64 {
	return d.maxBlob
}

// ChannelID returns the destination channel.
func (d *Discord) ChannelID() string {
	return d.channelID
}

// Ready checks that the bot can see the destination channel. A positive
// result is cached for a minute.
func (d *Discord) Ready(ctx context.Context) error {
	d.mu.Lock()
	fresh := time.Now().Before(d.readyUntil)
	d.mu.Unlock()
	if fresh {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/channels/"+d.channelID, nil)
	if err != nil {
		return err
	}
	d.authorize(req)
	resp, err := d.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrChannelUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %v", ErrChannelUnavailable, statusError("ready", resp))
	}

	d.mu.Lock()
	d.readyUntil = time.Now().Add(discordReadyTTL)
	d.mu.Unlock()
	return nil
}

// Upload posts one message carrying the blob as its only attachment and
// returns the attachment URL.
func (d *Discord) Upload(ctx context.Context, name string, r io.Reader, size int64) (string, error) {
	if r == nil {
		return "", fmt.Errorf("reader is required")
	}
	if size > d.maxBlob {
		return "", fmt.Errorf("%w: %s is %d bytes", ErrBlobTooLarge, name, size)
	}
	data, err := readBounded(r, d.maxBlob)
	if err != nil {
		return "", err
	}

	return backoff.Retry(ctx, func() (string, error) {
		if err := d.limiter.Wait(ctx); err != nil {
			return "", backoff.Permanent(err)
		}
		body, contentType, err := discordMultipart(name, data)
		if err != nil {
			return "", backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/channels/"+d.channelID+"/messages", body)
		if err != nil {
			return "", backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", contentType)
		d.authorize(req)

		resp, err := d.http.Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		if err := d.retryable("upload", resp); err != nil {
			return "", err
		}

		var msg discordMessage
		if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
			return "", backoff.Permanent(fmt.Errorf("decode message: %w", err))
		}
		if len(msg.Attachments) == 0 || msg.Attachments[0].URL == "" {
			return "", backoff.Permanent(fmt.Errorf("message %s has no attachment", msg.ID))
		}
		d.logger.Debug("blob uploaded", "name", name, "bytes", len(data), "message_id", msg.ID)
		return msg.Attachments[0].URL, nil
	}, d.retryOptions()...)
}

// Fetch downloads a blob from the CDN. Expired signed links are refreshed
// once through the API before giving up.
func (d *Discord) Fetch(ctx context.Context, url string) (io.ReadCloser, error) {
	rc, err := d.get(ctx, url)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		return rc, err
	}
	if statusErr.StatusCode != http.StatusForbidden && statusErr.StatusCode != http.StatusNotFound {
		return nil, err
	}

	refreshed, refreshErr := d.refresh(ctx, url)
	if refreshErr != nil {
		d.logger.Warn("attachment url refresh failed", "error", refreshErr)
		return nil, err
	}
	return d.get(ctx, refreshed)
}

func (d *Discord) get(ctx context.Context, url string) (io.ReadCloser, error) {
	return backoff.Retry(ctx, func() (io.ReadCloser, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		resp, err := d.http.Do(req)
		if err != nil {
			return nil, err
		}
		if err := d.retryable("fetch", resp); err != nil {
			resp.Body.Close()
			return nil, err
		}
		return resp.Body, nil
	}, d.retryOptions()...)
}

func (d *Discord) refresh(ctx context.Context, url string) (string, error) {
	payload, err := json.Marshal(discordRefreshRequest{AttachmentURLs: []string{url}})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/attachments/refresh-urls", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	d.authorize(req)

	resp, err := d.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", statusError("refresh", resp)
	}
	var out discordRefreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode refresh response: %w", err)
	}
	for _, entry := range out.RefreshedURLs {
		if entry.Refreshed != "" {
			return entry.Refreshed, nil
		}
	}
	return "", fmt.Errorf("refresh returned no url")
}

// retryable maps a response to nil on success, a retry-after error on 429,
// a plain error on 5xx, and a permanent error otherwise.
func (d *Discord) retryable(op string, resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		wait := retryAfter(resp)
		d.logger.Warn("rate limited", "op", op, "retry_after", wait)
		return &backoff.RetryAfterError{Duration: wait}
	case resp.StatusCode >= 500:
		return statusError(op, resp)
	default:
		return backoff.Permanent(statusError(op, resp))
	}
}

func (d *Discord) retryOptions() []backoff.RetryOption {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.initial
	return []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(discordMaxTries),
	}
}

func (d *Discord) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bot "+d.token)
	req.Header.Set("User-Agent", "DiscordBot (relaybox, 1.0)")
}

func discordMultipart(name string, data []byte) (io.Reader, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	payload, err := json.Marshal(map[string]any{
		"attachments": []map[string]any{{"id": 0, "filename": name}},
	})
	if err != nil {
		return nil, "", err
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="payload_json"`)
	header.Set("Content-Type", "application/json")
	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(payload); err != nil {
		return nil, "", err
	}

	filePart, err := writer.CreateFormFile("files[0]", name)
	if err != nil {
		return nil, "", err
	}
	if _, err := filePart.Write(data); err != nil {
		return nil, "", err
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return body, writer.FormDataContentType(), nil
}

func retryAfter(resp *http.Response) time.Duration {
	var body discordRateLimit
	if err := json.NewDecoder(io.LimitReader(resp.Body, discordErrorBodyLimit)).Decode(&body); err == nil && body.RetryAfter > 0 {
		return time.Duration(body.RetryAfter * float64(time.Second))
	}
	if raw := resp.Header.Get("Retry-After"); raw != "" {
		if seconds, err := strconv.ParseFloat(raw, 64); err == nil && seconds > 0 {
			return time.Duration(seconds * float64(time.Second))
		}
	}
	return time.Second
}

func statusError(op string, resp *http.Response) *StatusError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, discordErrorBodyLimit))
	return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
}
