package herdlinesdk

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateProjectSendsTokenAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/projects", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "cow", body["animal_kind"])
		assert.NotContains(t, body, "acquisition_date")
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"id":"p1","animal_kind":"cow","feed_tier":"T1","weight_kg":140}`)
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	p, err := c.CreateProject(context.Background(), NewProject{Name: "Bella", AnimalKind: "cow", WeightKg: 140})
	require.NoError(t, err)
	assert.Equal(t, "p1", p.ID)
	assert.Equal(t, "T1", p.FeedTier)
}

func TestDashboardAndSaveTasksPaths(t *testing.T) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Method+" "+r.URL.RequestURI())
		switch r.Method {
		case http.MethodGet:
			io.WriteString(w, `{"date":"2024-01-30","checkpoint_fired":true,"completions":{"morning.0":true}}`)
		case http.MethodPut:
			var body struct {
				Completions map[string]bool `json:"completions"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, map[string]bool{"morning.0": true}, body.Completions)
			io.WriteString(w, `{"date":"2024-01-30","saved":1,"orphans":[]}`)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	ctx := context.Background()
	d, err := c.Dashboard(ctx, "p1", "2024-01-30")
	require.NoError(t, err)
	assert.True(t, d.CheckpointFired)
	assert.True(t, d.Completions["morning.0"])

	res, err := c.SaveTasks(ctx, "p1", "2024-01-30", map[string]bool{"morning.0": true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Saved)

	assert.Equal(t, []string{
		"GET /v1/projects/p1/dashboard?date=2024-01-30",
		"PUT /v1/projects/p1/days/2024-01-30/tasks",
	}, seen)
}

func TestScheduleQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/schedule", r.URL.Path)
		assert.Equal(t, "goat", r.URL.Query().Get("animal"))
		assert.Equal(t, "12.5", r.URL.Query().Get("weight_kg"))
		assert.Empty(t, r.Header.Get("Authorization"))
		io.WriteString(w, `{"animal_kind":"goat","feed_tier":"T150","phases":[{"name":"morning","tasks":[]}]}`)
	}))
	defer srv.Close()

	s, err := New(srv.URL, "").Schedule(context.Background(), "goat", 12.5, 0)
	require.NoError(t, err)
	assert.Equal(t, "T150", s.FeedTier)
	assert.Len(t, s.Phases, 1)
}

func TestAttachPhotosMultipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "morning", r.FormValue("phase"))
		files := r.MultipartForm.File["photos"]
		require.Len(t, files, 2)
		assert.Equal(t, "a.png", files[0].Filename)
		io.WriteString(w, `{"accepted":["id_a.png"],"skipped":[{"filename":"b.txt","reason":"extension not allowed"}]}`)
	}))
	defer srv.Close()

	res, err := New(srv.URL, "tok").AttachPhotos(context.Background(), "p1", "2024-01-30", "morning", []Photo{
		{Filename: "a.png", Data: []byte("png")},
		{Filename: "b.txt", Data: []byte("txt")},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"id_a.png"}, res.Accepted)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, "b.txt", res.Skipped[0].Filename)
}

func TestGetPhoto(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/projects/p1/photos/id_a.png", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "image/png")
		io.WriteString(w, "png")
	}))
	defer srv.Close()

	data, contentType, err := New(srv.URL, "tok").GetPhoto(context.Background(), "p1", "id_a.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), data)
	assert.Equal(t, "image/png", contentType)
}

func TestErrorEnvelopeDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		io.WriteString(w, `{"error":{"code":"forbidden","message":"project belongs to another owner"}}`)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "tok").UpdateWeight(context.Background(), "p1", 200)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, "forbidden", apiErr.Code)
}
