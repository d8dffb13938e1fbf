package herdlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Herdline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v1",
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// Project represents the API project model.
type Project struct {
	ID                string  `json:"id"`
	OwnerID           string  `json:"owner_id"`
	Name              string  `json:"name"`
	AnimalKind        string  `json:"animal_kind"`
	AcquisitionDate   string  `json:"acquisition_date"`
	ElapsedDays       int     `json:"elapsed_days"`
	WeightKg          float64 `json:"weight_kg"`
	FeedTier          string  `json:"feed_tier"`
	TargetWeightKg    float64 `json:"target_weight_kg"`
	TargetProgress    float64 `json:"target_progress"`
	CheckPeriodDays   int     `json:"check_period_days"`
	LastCheckpointDay *int    `json:"last_checkpoint_day,omitempty"`
}

// NewProject holds the fields of a project to create. Zero AcquisitionDate
// and CheckPeriodDays take the server defaults.
type NewProject struct {
	Name            string  `json:"name"`
	AnimalKind      string  `json:"animal_kind"`
	AcquisitionDate string  `json:"acquisition_date,omitempty"`
	WeightKg        float64 `json:"weight_kg"`
	CheckPeriodDays int     `json:"check_period_days,omitempty"`
}

type Task struct {
	Key         string `json:"key"`
	Description string `json:"description"`
	TimeRange   string `json:"time_range"`
	Done        bool   `json:"done"`
}

type Phase struct {
	Name  string `json:"name"`
	Tasks []Task `json:"tasks"`
}

// Dashboard is the daily view of a project.
type Dashboard struct {
	Project         Project             `json:"project"`
	Date            string              `json:"date"`
	ElapsedDays     int                 `json:"elapsed_days"`
	WeightCheckDue  bool                `json:"weight_check_due"`
	CheckpointFired bool                `json:"checkpoint_fired"`
	FodderKg        float64             `json:"fodder_kg"`
	Grain           string              `json:"grain"`
	Schedule        []Phase             `json:"schedule"`
	Completions     map[string]bool     `json:"completions"`
	Photos          map[string][]string `json:"photos"`
}

type SaveTasksResult struct {
	Date    string   `json:"date"`
	Saved   int      `json:"saved"`
	Orphans []string `json:"orphans"`
}

type Schedule struct {
	AnimalKind string  `json:"animal_kind"`
	WeightKg   float64 `json:"weight_kg"`
	FeedTier   string  `json:"feed_tier"`
	FodderKg   float64 `json:"fodder_kg"`
	Grain      string  `json:"grain"`
	Phases     []Phase `json:"phases"`
}

type Photo struct {
	Filename string
	Data     []byte
}

type AttachResult struct {
	Accepted []string `json:"accepted"`
	Skipped  []struct {
		Filename string `json:"filename"`
		Reason   string `json:"reason"`
	} `json:"skipped"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateProject creates a project owned by the token subject.
func (c *Client) CreateProject(ctx context.Context, p NewProject) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, "projects", p, &resp)
	return resp, err
}

func (c *Client) GetProject(ctx context.Context, id string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, "projects/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Dashboard fetches the daily view; an empty date means today. Viewing as the
// owner may fire the weight checkpoint.
func (c *Client) Dashboard(ctx context.Context, id, date string) (Dashboard, error) {
	endpoint := "projects/" + url.PathEscape(id) + "/dashboard"
	if date != "" {
		endpoint += "?" + url.Values{"date": {date}}.Encode()
	}
	var resp Dashboard
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SaveTasks replaces the completions of date with the given phase.index keys.
func (c *Client) SaveTasks(ctx context.Context, id, date string, completions map[string]bool) (SaveTasksResult, error) {
	if completions == nil {
		completions = map[string]bool{}
	}
	var resp SaveTasksResult
	endpoint := fmt.Sprintf("projects/%s/days/%s/tasks", url.PathEscape(id), url.PathEscape(date))
	err := c.do(ctx, http.MethodPut, endpoint, map[string]any{"completions": completions}, &resp)
	return resp, err
}

func (c *Client) UpdateWeight(ctx context.Context, id string, weightKg float64) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPut, "projects/"+url.PathEscape(id)+"/weight", map[string]any{"weight_kg": weightKg}, &resp)
	return resp, err
}

// Schedule previews the daily schedule; it needs no token.
func (c *Client) Schedule(ctx context.Context, animal string, weightKg float64, day int) (Schedule, error) {
	q := url.Values{
		"animal":    {animal},
		"weight_kg": {strconv.FormatFloat(weightKg, 'f', -1, 64)},
	}
	if day > 0 {
		q.Set("day", strconv.Itoa(day))
	}
	var resp Schedule
	err := c.do(ctx, http.MethodGet, "schedule?"+q.Encode(), nil, &resp)
	return resp, err
}

// AttachPhotos uploads photos to a phase of date.
func (c *Client) AttachPhotos(ctx context.Context, id, date, phase string, photos []Photo) (AttachResult, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("phase", phase); err != nil {
		return AttachResult{}, err
	}
	for _, p := range photos {
		part, err := mw.CreateFormFile("photos", p.Filename)
		if err != nil {
			return AttachResult{}, err
		}
		if _, err := part.Write(p.Data); err != nil {
			return AttachResult{}, err
		}
	}
	if err := mw.Close(); err != nil {
		return AttachResult{}, err
	}
	endpoint := fmt.Sprintf("projects/%s/days/%s/photos", url.PathEscape(id), url.PathEscape(date))
	var resp AttachResult
	err := c.send(ctx, http.MethodPost, endpoint, &buf, mw.FormDataContentType(), &resp)
	return resp, err
}

// GetPhoto downloads an attached photo and returns its bytes and media type.
func (c *Client) GetPhoto(ctx context.Context, id, ref string) ([]byte, string, error) {
	resp, err := c.raw(ctx, http.MethodGet, "projects/"+url.PathEscape(id)+"/photos/"+url.PathEscape(ref), nil, "")
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// Events returns the newest events of a project.
func (c *Client) Events(ctx context.Context, id string, limit int) ([]Event, error) {
	endpoint := "projects/" + url.PathEscape(id) + "/events"
	if limit > 0 {
		endpoint += "?limit=" + strconv.Itoa(limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	return c.send(ctx, method, endpoint, &buf, "application/json", out)
}

func (c *Client) send(ctx context.Context, method, endpoint string, body io.Reader, contentType string, out any) error {
	resp, err := c.raw(ctx, method, endpoint, body, contentType)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// raw performs the request and turns non-2xx responses into *APIError. The
// caller closes the body on success.
func (c *Client) raw(ctx context.Context, method, endpoint string, body io.Reader, contentType string) (*http.Response, error) {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(endpoint), body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(b, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
	}
	return nil, apiErr
}

func (c *Client) url(endpoint string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base + "/" + strings.TrimLeft(endpoint, "/")
}
