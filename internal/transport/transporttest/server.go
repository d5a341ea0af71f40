// Package transporttest provides an in-memory remote authority for tests.
// It speaks the same HTTP API as the real service and can inject failures
// of every class the reconciler distinguishes.
package transporttest

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/matheus3301/tripsafe/internal/model"
)

// Recorded is one request observed by the server.
type Recorded struct {
	Method         string
	Path           string
	IdempotencyKey string
}

type fault struct {
	method string
	path   string
	status int
	decode bool
	times  int
}

// Server is a fake remote authority.
type Server struct {
	*httptest.Server

	mu            sync.Mutex
	trips         map[int64]*model.Trip
	timelines     map[int64][]model.TimelineEvent
	contacts      map[int64]*model.Contact
	activities    []model.Activity
	devices       []string
	nextTripID    int64
	nextContactID int64
	accessToken   string
	refreshToken  string
	tokenSerial   int
	refreshCalls  int
	refreshHook   func()
	rejectRefresh bool
	offline       bool
	faults        []*fault
	requests      []Recorded
	now           func() time.Time
}

// New starts a server that is closed when the test ends.
func New(t testing.TB) *Server {
	s := &Server{
		trips:         make(map[int64]*model.Trip),
		timelines:     make(map[int64][]model.TimelineEvent),
		contacts:      make(map[int64]*model.Contact),
		nextTripID:    100,
		nextContactID: 500,
		accessToken:   "access-0",
		refreshToken:  "refresh-0",
		now:           func() time.Time { return time.Now().UTC() },
	}
	s.Server = httptest.NewServer(s.routes())
	t.Cleanup(s.Close)
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.recordMiddleware)
	r.Use(s.offlineMiddleware)
	r.Use(s.faultMiddleware)

	r.Post("/api/v1/auth/refresh", s.handleRefresh)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Route("/api/v1/trips", func(r chi.Router) {
			r.Get("/", s.handleListTrips)
			r.Post("/", s.handleCreateTrip)
			r.Get("/active", s.handleActiveTrip)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetTrip)
				r.Patch("/", s.handleUpdateTrip)
				r.Delete("/", s.handleDeleteTrip)
				r.Post("/start", s.handleStartTrip)
				r.Post("/checkin", s.handleCheckIn)
				r.Post("/extend", s.handleExtend)
				r.Post("/complete", s.handleComplete)
				r.Get("/timeline", s.handleTimeline)
			})
		})
		r.Get("/api/v1/activities/", s.handleActivities)
		r.Route("/api/v1/contacts", func(r chi.Router) {
			r.Get("/", s.handleListContacts)
			r.Post("/", s.handleCreateContact)
			r.Put("/{id}", s.handleUpdateContact)
			r.Delete("/{id}", s.handleDeleteContact)
		})
		r.Post("/api/v1/devices/", s.handleRegisterDevice)
	})
	return r
}

// --- test controls ---

// Tokens returns the credential pair currently accepted by the server.
func (s *Server) Tokens() model.Tokens {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.Tokens{AccessToken: s.accessToken, RefreshToken: s.refreshToken}
}

// ExpireAccessToken invalidates the current access token. The refresh
// token stays valid.
func (s *Server) ExpireAccessToken() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenSerial++
	s.accessToken = fmt.Sprintf("access-%d", s.tokenSerial)
}

// RejectRefresh makes every refresh answer 401.
func (s *Server) RejectRefresh(reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectRefresh = reject
}

// OnRefresh installs fn to run inside every refresh call before it answers.
func (s *Server) OnRefresh(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshHook = fn
}

// RefreshCalls returns how many refresh requests were served.
func (s *Server) RefreshCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshCalls
}

// SetOffline makes the server drop every connection without answering.
func (s *Server) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

// Fail answers the next times requests matching method and path with status.
func (s *Server) Fail(method, path string, status, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, &fault{method: method, path: path, status: status, times: times})
}

// Garble answers the next times requests matching method and path after
// handling them, replacing the body with something that is not JSON.
func (s *Server) Garble(method, path string, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, &fault{method: method, path: path, decode: true, times: times})
}

// Requests returns every request seen so far, including those dropped
// while offline.
func (s *Server) Requests() []Recorded {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Recorded(nil), s.requests...)
}

// SeedTrip stores t as-is.
func (s *Server) SeedTrip(t model.Trip) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trips[t.ID] = &t
}

// Trip returns a copy of the stored trip.
func (s *Server) Trip(id int64) (model.Trip, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trips[id]
	if !ok {
		return model.Trip{}, false
	}
	return *t, true
}

// SeedContact stores c as-is.
func (s *Server) SeedContact(c model.Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts[c.ID] = &c
}

// Contacts returns the stored contacts ordered by id.
func (s *Server) Contacts() []model.Contact {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedContacts()
}

// SeedActivities replaces the activity reference data.
func (s *Server) SeedActivities(a []model.Activity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activities = append([]model.Activity(nil), a...)
}

// Devices returns the registered push tokens.
func (s *Server) Devices() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.devices...)
}

// --- middleware ---

func (s *Server) offlineMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		offline := s.offline
		s.mu.Unlock()
		if !offline {
			next.ServeHTTP(w, r)
			return
		}
		hj, ok := w.(http.Hijacker)
		if !ok {
			panic("transporttest: response writer cannot hijack")
		}
		conn, _, err := hj.Hijack()
		if err == nil {
			closeNow(conn)
		}
	})
}

func closeNow(conn net.Conn) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetLinger(0)
	}
	_ = conn.Close()
}

func (s *Server) recordMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests = append(s.requests, Recorded{
			Method:         r.Method,
			Path:           r.URL.Path,
			IdempotencyKey: r.Header.Get("Idempotency-Key"),
		})
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) takeFault(r *http.Request) *fault {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, f := range s.faults {
		if f.method != r.Method || f.path != r.URL.Path {
			continue
		}
		f.times--
		if f.times <= 0 {
			s.faults = append(s.faults[:i], s.faults[i+1:]...)
		}
		return f
	}
	return nil
}

type discardWriter struct {
	header http.Header
}

func (d *discardWriter) Header() http.Header         { return d.header }
func (d *discardWriter) Write(p []byte) (int, error) { return len(p), nil }
func (d *discardWriter) WriteHeader(int)             {}

func (s *Server) faultMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f := s.takeFault(r)
		switch {
		case f == nil:
			next.ServeHTTP(w, r)
		case f.decode:
			next.ServeHTTP(&discardWriter{header: make(http.Header)}, r)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"ok": tru`))
		default:
			writeError(w, f.status, http.StatusText(f.status))
		}
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		want := "Bearer " + s.accessToken
		s.mu.Unlock()
		if r.Header.Get("Authorization") != want {
			writeError(w, http.StatusUnauthorized, "token expired")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- handlers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body: "+err.Error())
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad id")
		return 0, false
	}
	return id, true
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if !decode(w, r, &body) {
		return
	}

	s.mu.Lock()
	hook := s.refreshHook
	s.refreshCalls++
	s.mu.Unlock()
	if hook != nil {
		hook()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rejectRefresh || body.RefreshToken != s.refreshToken {
		writeError(w, http.StatusUnauthorized, "refresh token invalid")
		return
	}
	s.tokenSerial++
	s.accessToken = fmt.Sprintf("access-%d", s.tokenSerial)
	writeJSON(w, http.StatusOK, model.Tokens{AccessToken: s.accessToken, RefreshToken: s.refreshToken})
}

func (s *Server) sortedTrips() []model.Trip {
	out := make([]model.Trip, 0, len(s.trips))
	for _, t := range s.trips {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Server) sortedContacts() []model.Contact {
	out := make([]model.Contact, 0, len(s.contacts))
	for _, c := range s.contacts {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Server) handleListTrips(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, http.StatusOK, s.sortedTrips())
}

func (s *Server) handleActiveTrip(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var active *model.Trip
	for _, t := range s.sortedTrips() {
		if t.Status.Live() && (active == nil || t.StartAt.After(active.StartAt)) {
			active = &t
		}
	}
	writeJSON(w, http.StatusOK, active)
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trips[id]
	if !ok {
		writeError(w, http.StatusNotFound, "trip not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) activity(id int64) model.Activity {
	for _, a := range s.activities {
		if a.ID == id {
			return a
		}
	}
	return model.Activity{ID: id, Name: "Activity " + strconv.FormatInt(id, 10)}
}

func (s *Server) handleCreateTrip(w http.ResponseWriter, r *http.Request) {
	var in model.NewTrip
	if !decode(w, r, &in) {
		return
	}
	if strings.TrimSpace(in.Title) == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	if !in.ETA.After(in.StartAt) {
		writeError(w, http.StatusBadRequest, "eta must be after start")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextTripID++
	id := s.nextTripID
	t := &model.Trip{
		ID:            id,
		UserID:        1,
		Title:         in.Title,
		Activity:      s.activity(in.ActivityID),
		StartAt:       in.StartAt.UTC(),
		ETA:           in.ETA.UTC(),
		GraceMinutes:  in.GraceMinutes,
		LocationText:  in.LocationText,
		Location:      in.Location,
		Notes:         in.Notes,
		Status:        model.TripPlanned,
		CreatedAt:     s.now(),
		Contact1:      in.Contact1,
		Contact2:      in.Contact2,
		Contact3:      in.Contact3,
		CheckinToken:  fmt.Sprintf("ci-%d", id),
		CheckoutToken: fmt.Sprintf("co-%d", id),
	}
	if !t.StartAt.After(s.now()) {
		t.Status = model.TripActive
	}
	s.trips[id] = t
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleUpdateTrip(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var u model.TripUpdate
	if !decode(w, r, &u) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trips[id]
	if !ok {
		writeError(w, http.StatusNotFound, "trip not found")
		return
	}
	u.ApplyTo(t)
	if u.ActivityID != nil {
		t.Activity = s.activity(*u.ActivityID)
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleDeleteTrip(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.trips[id]; !ok {
		writeError(w, http.StatusNotFound, "trip not found")
		return
	}
	delete(s.trips, id)
	delete(s.timelines, id)
	w.WriteHeader(http.StatusNoContent)
}

// liveTrip resolves the trip for an action that needs it in a live state.
// The caller holds s.mu.
func (s *Server) liveTrip(w http.ResponseWriter, r *http.Request) *model.Trip {
	id, ok := pathID(w, r)
	if !ok {
		return nil
	}
	t, ok := s.trips[id]
	if !ok {
		writeError(w, http.StatusNotFound, "trip not found")
		return nil
	}
	if !t.Status.Live() {
		writeError(w, http.StatusBadRequest, "trip is not active")
		return nil
	}
	return t
}

func (s *Server) handleStartTrip(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trips[id]
	if !ok {
		writeError(w, http.StatusNotFound, "trip not found")
		return
	}
	if t.Status != model.TripPlanned {
		writeError(w, http.StatusBadRequest, "trip is not planned")
		return
	}
	t.Status = model.TripActive
	s.timelines[id] = append(s.timelines[id], model.TimelineEvent{Kind: model.EventStarted, At: s.now()})
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		At       time.Time         `json:"at"`
		Location *model.Coordinate `json:"location"`
	}
	if !decode(w, r, &body) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.liveTrip(w, r)
	if t == nil {
		return
	}
	at := body.At.UTC()
	t.LastCheckinAt = &at
	s.timelines[t.ID] = append(s.timelines[t.ID], model.TimelineEvent{Kind: model.EventCheckin, At: at, Location: body.Location})
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleExtend(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Minutes int `json:"minutes"`
	}
	if !decode(w, r, &body) {
		return
	}
	if body.Minutes <= 0 {
		writeError(w, http.StatusBadRequest, "minutes must be positive")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.liveTrip(w, r)
	if t == nil {
		return
	}
	t.ETA = t.ETA.Add(time.Duration(body.Minutes) * time.Minute)
	if t.Status != model.TripActive {
		t.Status = model.TripActive
	}
	minutes := body.Minutes
	s.timelines[t.ID] = append(s.timelines[t.ID], model.TimelineEvent{Kind: model.EventExtended, At: s.now(), ExtendedBy: &minutes})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "new_eta": t.ETA})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var body struct {
		At time.Time `json:"at"`
	}
	if !decode(w, r, &body) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.liveTrip(w, r)
	if t == nil {
		return
	}
	at := body.At.UTC()
	t.Status = model.TripCompleted
	t.CompletedAt = &at
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.trips[id]; !ok {
		writeError(w, http.StatusNotFound, "trip not found")
		return
	}
	events := append([]model.TimelineEvent{}, s.timelines[id]...)
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleActivities(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, http.StatusOK, append([]model.Activity{}, s.activities...))
}

func (s *Server) handleListContacts(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, http.StatusOK, s.sortedContacts())
}

type contactBody struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Group string `json:"group"`
}

func (b contactBody) valid(w http.ResponseWriter) bool {
	if strings.TrimSpace(b.Name) == "" || !strings.Contains(b.Email, "@") {
		writeError(w, http.StatusUnprocessableEntity, "name and a valid email are required")
		return false
	}
	return true
}

func (s *Server) handleCreateContact(w http.ResponseWriter, r *http.Request) {
	var in contactBody
	if !decode(w, r, &in) || !in.valid(w) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextContactID++
	c := &model.Contact{ID: s.nextContactID, UserID: 1, Name: in.Name, Email: in.Email, Group: in.Group}
	s.contacts[c.ID] = c
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleUpdateContact(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var in contactBody
	if !decode(w, r, &in) || !in.valid(w) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[id]
	if !ok {
		writeError(w, http.StatusNotFound, "contact not found")
		return
	}
	c.Name, c.Email, c.Group = in.Name, in.Email, in.Group
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleDeleteContact(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.contacts[id]; !ok {
		writeError(w, http.StatusNotFound, "contact not found")
		return
	}
	delete(s.contacts, id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token    string `json:"token"`
		Platform string `json:"platform"`
	}
	if !decode(w, r, &body) {
		return
	}
	if body.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices = append(s.devices, body.Token)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
