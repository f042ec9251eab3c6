// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/holomush/hiddenmove/internal/api"
	"github.com/holomush/hiddenmove/internal/commitment"
	"github.com/holomush/hiddenmove/internal/game"
	"github.com/holomush/hiddenmove/internal/ledger"
	"github.com/holomush/hiddenmove/internal/observability"
)

type fixture struct {
	t      *testing.T
	ledger *ledger.Ledger
	api    *api.Server
	http   *httptest.Server
}

func newFixture(t *testing.T, opts ...api.Option) *fixture {
	t.Helper()
	return newFixtureWithStore(t, ledger.NewMemoryStore(), opts...)
}

func newFixtureWithStore(t *testing.T, store ledger.Store, opts ...api.Option) *fixture {
	t.Helper()
	l := ledger.New(store)
	s := api.New(l, opts...)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		srv.Close()
	})
	return &fixture{t: t, ledger: l, api: s, http: srv}
}

// call sends body as JSON and returns the status and raw response body.
func (f *fixture) call(method, path string, body any) (int, []byte) {
	f.t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(f.t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.http.URL+path, r)
	require.NoError(f.t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(f.t, err)
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	require.NoError(f.t, err)
	return resp.StatusCode, data
}

// must calls the endpoint, requires want and decodes the body into out.
func (f *fixture) must(want int, method, path string, body, out any) {
	f.t.Helper()
	status, data := f.call(method, path, body)
	require.Equal(f.t, want, status, "%s %s: %s", method, path, data)
	if out != nil {
		require.NoError(f.t, json.Unmarshal(data, out))
	}
}

func (f *fixture) deploy() (mapRef, playerRef string) {
	f.t.Helper()
	var m, p struct {
		ID string `json:"id"`
	}
	f.must(http.StatusCreated, http.MethodPost, "/v1/maps", nil, &m)
	f.must(http.StatusCreated, http.MethodPost, "/v1/players", nil, &p)
	return m.ID, p.ID
}

// ready deploys a 10x10 map and a player linked to it at (2,2).
func (f *fixture) ready() (mapRef, playerRef string) {
	f.t.Helper()
	mapRef, playerRef = f.deploy()
	f.must(http.StatusOK, http.MethodPost, "/v1/maps/"+mapRef+"/area", map[string]any{"bound": game.Pos(10, 10)}, nil)
	f.must(http.StatusOK, http.MethodPost, "/v1/players/"+playerRef+"/map", map[string]any{"map": mapRef}, nil)
	f.must(http.StatusOK, http.MethodPost, "/v1/players/"+playerRef+"/init",
		map[string]any{"position": game.Pos(2, 2), "salt": "42069"}, nil)
	return mapRef, playerRef
}

func TestAPI_LockstepScenario(t *testing.T) {
	f := newFixture(t)
	h := f.ledger.Hasher()
	salt := commitment.FieldFromInt(42069)

	mapRef, playerRef := f.deploy()

	var m api.MapView
	f.must(http.StatusOK, http.MethodGet, "/v1/maps/"+mapRef, nil, &m)
	assert.Equal(t, game.Pos(0, 0), m.MapBound)
	assert.Zero(t, m.MapTick)

	f.must(http.StatusOK, http.MethodPost, "/v1/maps/"+mapRef+"/area", api.AreaRequest{Bound: &game.Position{X: 10, Y: 10}}, &m)
	assert.Equal(t, game.Pos(10, 10), m.MapBound)

	var p api.PlayerView
	f.must(http.StatusOK, http.MethodPost, "/v1/players/"+playerRef+"/map", api.LinkRequest{Map: mapRef}, &p)
	assert.Equal(t, game.Pos(10, 10), p.MapBound)
	assert.Equal(t, mapRef, p.GameMapContract.String())

	f.must(http.StatusOK, http.MethodPost, "/v1/players/"+playerRef+"/init",
		api.InitRequest{Position: &game.Position{X: 2, Y: 2}, Salt: "42069"}, &p)
	assert.Equal(t, uint64(1), p.ActionTick)
	assert.Equal(t, commitment.CommitPosition(h, 2, 2, salt), p.PlayerPosition)

	f.must(http.StatusOK, http.MethodPost, "/v1/players/"+playerRef+"/cardinal",
		api.MoveRequest{Old: &game.Position{X: 2, Y: 2}, Direction: &game.Position{X: 1, Y: 0}, Salt: "42069"}, &p)
	assert.Equal(t, commitment.CommitPosition(h, 3, 2, salt), p.PlayerPosition)

	f.must(http.StatusOK, http.MethodPost, "/v1/players/"+playerRef+"/diagonal",
		api.MoveRequest{Old: &game.Position{X: 3, Y: 2}, Direction: &game.Position{X: 1, Y: 1}, Salt: "0xa455"}, &p)
	assert.Equal(t, commitment.CommitPosition(h, 4, 3, commitment.FieldFromInt(0xa455)), p.PlayerPosition)

	f.must(http.StatusOK, http.MethodPost, "/v1/maps/"+mapRef+"/commit", api.CommitRequest{Player: playerRef}, &m)
	assert.Equal(t, uint64(1), m.MapTick)
	assert.False(t, m.GamePositionState.IsZero())

	var body api.ErrorBody
	f.must(http.StatusConflict, http.MethodPost, "/v1/maps/"+mapRef+"/commit", api.CommitRequest{Player: playerRef}, &body)
	assert.Equal(t, game.CodeSynchronization, body.Code)
	assert.Equal(t, game.CategorySynchronization, body.Category)
	assert.NotEmpty(t, body.Message)

	f.must(http.StatusOK, http.MethodGet, "/v1/players/"+playerRef, nil, &p)
	assert.Equal(t, commitment.CommitPosition(h, 4, 3, commitment.FieldFromInt(0xa455)), p.PlayerPosition)
}

func TestAPI_ErrorMapping(t *testing.T) {
	f := newFixture(t)
	mapRef, playerRef := f.ready()
	unknown := ledger.NewRef().String()

	tests := []struct {
		name       string
		method     string
		path       string
		body       any
		wantStatus int
		wantCode   string
		wantCat    game.Category
	}{
		{name: "bad ref", method: http.MethodGet, path: "/v1/maps/not-a-ulid", wantStatus: http.StatusBadRequest, wantCode: "INVALID_REF"},
		{name: "unknown map", method: http.MethodGet, path: "/v1/maps/" + unknown, wantStatus: http.StatusNotFound, wantCode: api.CodeNotFound},
		{name: "unknown player", method: http.MethodGet, path: "/v1/players/" + unknown, wantStatus: http.StatusNotFound, wantCode: api.CodeNotFound},
		{
			name: "commit unknown player", method: http.MethodPost, path: "/v1/maps/" + mapRef + "/commit",
			body: api.CommitRequest{Player: unknown}, wantStatus: http.StatusNotFound, wantCode: api.CodeNotFound,
		},
		{
			name: "malformed json", method: http.MethodPost, path: "/v1/maps/" + mapRef + "/area",
			body: `{"bound":`, wantStatus: http.StatusBadRequest, wantCode: api.CodeBadRequest,
		},
		{
			name: "unknown field", method: http.MethodPost, path: "/v1/maps/" + mapRef + "/area",
			body: `{"bounds":{"x":1,"y":1}}`, wantStatus: http.StatusBadRequest, wantCode: api.CodeBadRequest,
		},
		{
			name: "trailing data", method: http.MethodPost, path: "/v1/maps/" + mapRef + "/area",
			body: `{"bound":{"x":1,"y":1}} {}`, wantStatus: http.StatusBadRequest, wantCode: api.CodeBadRequest,
		},
		{
			name: "missing bound", method: http.MethodPost, path: "/v1/maps/" + mapRef + "/area",
			body: `{}`, wantStatus: http.StatusBadRequest, wantCode: api.CodeBadRequest,
		},
		{
			name: "missing salt", method: http.MethodPost, path: "/v1/players/" + playerRef + "/cardinal",
			body: api.MoveRequest{Old: &game.Position{X: 2, Y: 2}, Direction: &game.Position{X: 1}},
			wantStatus: http.StatusBadRequest, wantCode: api.CodeBadRequest,
		},
		{
			name: "bad salt", method: http.MethodPost, path: "/v1/players/" + playerRef + "/cardinal",
			body:       api.MoveRequest{Old: &game.Position{X: 2, Y: 2}, Direction: &game.Position{X: 1}, Salt: "nope"},
			wantStatus: http.StatusBadRequest, wantCode: "INVALID_FIELD",
		},
		{
			name: "missing direction", method: http.MethodPost, path: "/v1/players/" + playerRef + "/diagonal",
			body: api.MoveRequest{Old: &game.Position{X: 2, Y: 2}, Salt: "1"}, wantStatus: http.StatusBadRequest, wantCode: api.CodeBadRequest,
		},
		{
			name: "map re-created", method: http.MethodPost, path: "/v1/maps/" + mapRef + "/area",
			body: api.AreaRequest{Bound: &game.Position{X: 5, Y: 5}}, wantStatus: http.StatusConflict,
			wantCode: game.CodeSequencing, wantCat: game.CategorySequencing,
		},
		{
			name: "wrong opening", method: http.MethodPost, path: "/v1/players/" + playerRef + "/cardinal",
			body:       api.MoveRequest{Old: &game.Position{X: 2, Y: 3}, Direction: &game.Position{X: 1}, Salt: "42069"},
			wantStatus: http.StatusConflict, wantCode: game.CodeAuthorization, wantCat: game.CategoryAuthorization,
		},
		{
			name: "not a cardinal step", method: http.MethodPost, path: "/v1/players/" + playerRef + "/cardinal",
			body:       api.MoveRequest{Old: &game.Position{X: 2, Y: 2}, Direction: &game.Position{X: 1, Y: 1}, Salt: "42069"},
			wantStatus: http.StatusConflict, wantCode: game.CodeGeometry, wantCat: game.CategoryGeometry,
		},
		{name: "method not allowed", method: http.MethodDelete, path: "/v1/maps/" + mapRef, wantStatus: http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, data := f.call(tt.method, tt.path, tt.body)
			require.Equal(t, tt.wantStatus, status, "%s", data)
			if tt.wantCode == "" {
				return
			}
			var body api.ErrorBody
			require.NoError(t, json.Unmarshal(data, &body))
			assert.Equal(t, tt.wantCode, body.Code)
			assert.Equal(t, tt.wantCat, body.Category)
		})
	}
}

func TestAPI_ResponsesHideSecrets(t *testing.T) {
	f := newFixture(t)
	_, playerRef := f.ready()

	bodies := []any{
		// Commitment mismatch with a recognizable salt.
		api.MoveRequest{Old: &game.Position{X: 7, Y: 7}, Direction: &game.Position{X: 1}, Salt: "987654321"},
		// Geometry rejection with the correct opening.
		api.MoveRequest{Old: &game.Position{X: 2, Y: 2}, Direction: &game.Position{X: 2}, Salt: "42069"},
		// Salt that fails to parse.
		`{"old":{"x":2,"y":2},"direction":{"x":1,"y":0},"salt":"987654321zz"}`,
		// Salt with the wrong JSON type.
		`{"old":{"x":2,"y":2},"direction":{"x":1,"y":0},"salt":987654321}`,
	}
	for _, body := range bodies {
		_, data := f.call(http.MethodPost, "/v1/players/"+playerRef+"/cardinal", body)
		assert.NotContains(t, string(data), "987654321")
		assert.NotContains(t, string(data), "42069")
	}

	// Record payloads carry public state only.
	_, data := f.call(http.MethodGet, "/v1/transitions", nil)
	assert.NotContains(t, string(data), "42069")
	assert.NotContains(t, string(data), `"salt"`)
}

func TestAPI_Transitions(t *testing.T) {
	f := newFixture(t)
	mapRef, playerRef := f.ready()

	var all api.HistoryResponse
	f.must(http.StatusOK, http.MethodGet, "/v1/transitions", nil, &all)
	require.Len(t, all.Records, 5)
	assert.Empty(t, all.Next)
	assert.Equal(t, ledger.OpDeployMap, all.Records[0].Op)
	assert.Equal(t, ledger.OpSetInitPosition, all.Records[4].Op)

	var maps api.HistoryResponse
	f.must(http.StatusOK, http.MethodGet, "/v1/transitions?stream=map:*", nil, &maps)
	require.Len(t, maps.Records, 2)
	for _, rec := range maps.Records {
		assert.Equal(t, "map:"+mapRef, rec.Stream)
	}

	var page api.HistoryResponse
	f.must(http.StatusOK, http.MethodGet, "/v1/transitions?stream=player:"+playerRef+"&limit=2", nil, &page)
	require.Len(t, page.Records, 2)
	require.NotEmpty(t, page.Next)

	var rest api.HistoryResponse
	f.must(http.StatusOK, http.MethodGet, "/v1/transitions?stream=player:"+playerRef+"&limit=2&after="+page.Next, nil, &rest)
	require.Len(t, rest.Records, 1)
	assert.Equal(t, ledger.OpSetInitPosition, rest.Records[0].Op)

	tests := []struct {
		name  string
		query string
		code  string
	}{
		{name: "bad pattern", query: "?stream=[", code: "INVALID_PATTERN"},
		{name: "bad cursor", query: "?after=zzz", code: "INVALID_REF"},
		{name: "unknown cursor", query: "?after=" + ledger.NewRef().String(), code: "INVALID_CURSOR"},
		{name: "zero limit", query: "?limit=0", code: api.CodeBadRequest},
		{name: "huge limit", query: "?limit=100000", code: api.CodeBadRequest},
		{name: "non-numeric limit", query: "?limit=ten", code: api.CodeBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body api.ErrorBody
			f.must(http.StatusBadRequest, http.MethodGet, "/v1/transitions"+tt.query, nil, &body)
			assert.Equal(t, tt.code, body.Code)
		})
	}
}

func TestAPI_Metrics(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	f := newFixture(t, api.WithMetrics(metrics))

	f.deploy()
	f.call(http.MethodGet, "/v1/maps/nope", nil)

	assert.InDelta(t, 1, testutil.ToFloat64(metrics.RequestsTotal.WithLabelValues("POST /v1/maps", "201")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.RequestsTotal.WithLabelValues("POST /v1/players", "201")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.RequestsTotal.WithLabelValues("GET /v1/maps/{id}", "400")), 0)
}

// brokenStore fails every operation with an infrastructure error.
type brokenStore struct{}

var errDiskGone = errors.New("disk gone")

func (brokenStore) Update(context.Context, func(context.Context, ledger.Tx) error) error {
	return errDiskGone
}

func (brokenStore) View(context.Context, func(context.Context, ledger.Tx) error) error {
	return errDiskGone
}

func (brokenStore) Records(context.Context, ulid.ULID, int) ([]ledger.Record, error) {
	return nil, errDiskGone
}

func TestAPI_InternalErrorsAreOpaque(t *testing.T) {
	f := newFixtureWithStore(t, brokenStore{})

	for _, path := range []string{"/v1/maps", "/v1/players"} {
		var body api.ErrorBody
		f.must(http.StatusInternalServerError, http.MethodPost, path, nil, &body)
		assert.Equal(t, api.CodeInternal, body.Code)
		assert.NotContains(t, body.Message, "disk")
	}

	var body api.ErrorBody
	f.must(http.StatusInternalServerError, http.MethodGet, "/v1/transitions", nil, &body)
	assert.Equal(t, api.CodeInternal, body.Code)
}

func dialWatch(t *testing.T, f *fixture, stream string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/v1/watch"
	if stream != "" {
		url += "?stream=" + stream
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	return conn
}

func readRecord(t *testing.T, conn *websocket.Conn) ledger.Record {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var rec ledger.Record
	require.NoError(t, conn.ReadJSON(&rec))
	return rec
}

func TestAPI_Watch(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	f := newFixture(t, api.WithMetrics(metrics))

	players := dialWatch(t, f, "player:*")
	defer func() { _ = players.Close() }()
	all := dialWatch(t, f, "")
	defer func() { _ = all.Close() }()

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.WatchersActive) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mapRef, playerRef := f.deploy()

	rec := readRecord(t, all)
	assert.Equal(t, "map:"+mapRef, rec.Stream)
	assert.Equal(t, ledger.OpDeployMap, rec.Op)
	assert.Equal(t, "player:"+playerRef, readRecord(t, all).Stream)

	rec = readRecord(t, players)
	assert.Equal(t, "player:"+playerRef, rec.Stream, "map records are filtered out")
	assert.Equal(t, ledger.OpDeployPlayer, rec.Op)

	require.NoError(t, players.Close())
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.WatchersActive) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Closing the API ends the remaining stream with a going-away frame.
	f.api.Close()
	require.NoError(t, all.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := all.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	assert.InDelta(t, 0, testutil.ToFloat64(metrics.WatchersActive), 0)

	f.http.Close()
}

func TestAPI_WatchInvalidPattern(t *testing.T) {
	f := newFixture(t)

	var body api.ErrorBody
	f.must(http.StatusBadRequest, http.MethodGet, "/v1/watch?stream=[", nil, &body)
	assert.Equal(t, "INVALID_PATTERN", body.Code)
}

func TestAPI_WatchRequiresUpgrade(t *testing.T) {
	f := newFixture(t)

	status, _ := f.call(http.MethodGet, "/v1/watch", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAPI_WatchAfterClose(t *testing.T) {
	f := newFixture(t)
	f.api.Close()

	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/v1/watch"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err, "the upgrade succeeds before the stream is refused")
	_ = resp.Body.Close()
	defer func() { _ = conn.Close() }()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}
