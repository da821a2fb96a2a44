package csnet

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"html/template"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Credentials accepted by the simulator.
const (
	SimulatorUsername = "demo"
	SimulatorPassword = "demo"

	simCookie = "SESSION"
)

// SimulatedDevice is the initial state of one simulated water heater.
type SimulatedDevice struct {
	ID          string
	ParentID    string
	Name        string
	Temperature float64
	Setting     float64
	Running     bool
}

// SimulatorConfig configures a Simulator. Zero values get sensible defaults.
type SimulatorConfig struct {
	Devices []SimulatedDevice
	// SessionTTL expires sessions after this long. Zero never expires.
	SessionTTL time.Duration
	// HeatRate and LossRate are in degrees per hour.
	HeatRate float64
	LossRate float64
	Now      func() time.Time
}

type simSession struct {
	token   string
	authed  bool
	expires time.Time
}

type simDevice struct {
	SimulatedDevice
	status int
}

// Simulator is an http.Handler that behaves like the parts of CSNet Manager
// the client uses: a login form with a _csrf token, cookie sessions, the
// elements endpoint and the heat_setting command. Tank temperatures follow a
// simple heating and standing loss model.
type Simulator struct {
	mu          sync.Mutex
	cfg         SimulatorConfig
	devices     []*simDevice
	sessions    map[string]*simSession
	lastAdvance time.Time

	rejectCommands bool
	logins         int
	fetches        int
	commands       int
}

// NewSimulator returns a simulator with a single device unless devices are
// configured.
func NewSimulator(cfg SimulatorConfig) *Simulator {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.HeatRate == 0 {
		cfg.HeatRate = 8
	}
	if cfg.LossRate == 0 {
		cfg.LossRate = 0.5
	}
	if len(cfg.Devices) == 0 {
		cfg.Devices = []SimulatedDevice{{
			ID:          "1001",
			ParentID:    "2001",
			Name:        "Yutampo",
			Temperature: 45,
			Setting:     50,
			Running:     true,
		}}
	}
	s := &Simulator{
		cfg:         cfg,
		sessions:    make(map[string]*simSession),
		lastAdvance: cfg.Now(),
	}
	for _, d := range cfg.Devices {
		s.devices = append(s.devices, &simDevice{SimulatedDevice: d})
	}
	s.advance(s.lastAdvance)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Simulator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case r.URL.Path == loginPath && r.Method == http.MethodGet:
		s.loginPage(w, r)
	case r.URL.Path == loginPath && r.Method == http.MethodPost:
		s.login(w, r)
	case r.URL.Path == dashboardPath && r.Method == http.MethodGet:
		s.dashboard(w, r)
	case r.URL.Path == elementsPath && r.Method == http.MethodGet:
		s.elements(w, r)
	case r.URL.Path == commandPath && r.Method == http.MethodPost:
		s.command(w, r)
	default:
		http.NotFound(w, r)
	}
}

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html><head><meta name="_csrf" content="{{.}}"><title>CSNet Manager</title></head>
<body><form method="post" action="/login">
<input type="hidden" name="_csrf" value="{{.}}">
<input name="username"><input type="password" name="password">
</form></body></html>`))

func (s *Simulator) loginPage(w http.ResponseWriter, r *http.Request) {
	sess := s.newSession()
	id := randomString()
	s.sessions[id] = sess
	http.SetCookie(w, &http.Cookie{Name: simCookie, Value: id, Path: "/", HttpOnly: true})
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	pageTemplate.Execute(w, sess.token)
}

func (s *Simulator) login(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, sess := s.session(r)
	if sess == nil || r.PostForm.Get(tokenField) != sess.token {
		http.Error(w, "invalid csrf token", http.StatusForbidden)
		return
	}
	if r.PostForm.Get("username") != SimulatorUsername ||
		r.PostForm.Get("password") != SimulatorPassword ||
		r.PostForm.Get("password_unsanitized") != SimulatorPassword {
		http.Redirect(w, r, loginPath+"?error", http.StatusFound)
		return
	}
	s.logins++

	// a successful login moves to a new session id
	delete(s.sessions, id)
	sess = s.newSession()
	sess.authed = true
	id = randomString()
	s.sessions[id] = sess
	http.SetCookie(w, &http.Cookie{Name: simCookie, Value: id, Path: "/", HttpOnly: true})
	http.Redirect(w, r, dashboardPath, http.StatusFound)
}

func (s *Simulator) dashboard(w http.ResponseWriter, r *http.Request) {
	_, sess := s.session(r)
	if sess == nil || !sess.authed {
		http.Redirect(w, r, loginPath, http.StatusFound)
		return
	}
	sess.token = randomString()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	pageTemplate.Execute(w, sess.token)
}

func (s *Simulator) elements(w http.ResponseWriter, r *http.Request) {
	_, sess := s.session(r)
	if sess == nil || !sess.authed {
		http.Redirect(w, r, loginPath, http.StatusFound)
		return
	}
	s.fetches++
	s.advance(s.cfg.Now())

	elements := make([]map[string]any, 0, len(s.devices))
	for _, d := range s.devices {
		run := 0
		if d.Running {
			run = 1
		}
		elements = append(elements, map[string]any{
			"deviceId":           json.Number(d.ID),
			"deviceName":         d.Name,
			"parentId":           json.Number(d.ParentID),
			"settingTemperature": d.Setting,
			"currentTemperature": math.Round(d.Temperature*10) / 10,
			"onOff":              run,
			"runStopDHW":         run,
			"operationStatus":    d.status,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"data": map[string]any{"elements": elements},
	})
}

func (s *Simulator) command(w http.ResponseWriter, r *http.Request) {
	_, sess := s.session(r)
	if sess == nil || !sess.authed {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if r.PostForm.Get(tokenField) != sess.token {
		http.Error(w, "invalid csrf token", http.StatusForbidden)
		return
	}
	s.commands++
	s.advance(s.cfg.Now())

	reply := func(status, msg string) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": status, "message": msg})
	}
	if s.rejectCommands {
		reply("error", "command refused")
		return
	}

	var dev *simDevice
	for _, d := range s.devices {
		if d.ParentID == r.PostForm.Get("indoorId") {
			dev = d
		}
	}
	if dev == nil {
		reply("error", "unknown indoorId")
		return
	}
	if v := r.PostForm.Get("settingTempDHW"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			reply("error", fmt.Sprintf("invalid settingTempDHW %q", v))
			return
		}
		dev.Setting = f
	}
	switch r.PostForm.Get("runStopDHW") {
	case "1":
		dev.Running = true
	case "0":
		dev.Running = false
	}
	s.updateStatus(dev)
	reply("success", "")
}

func (s *Simulator) newSession() *simSession {
	sess := &simSession{token: randomString()}
	if s.cfg.SessionTTL > 0 {
		sess.expires = s.cfg.Now().Add(s.cfg.SessionTTL)
	}
	return sess
}

func (s *Simulator) session(r *http.Request) (string, *simSession) {
	c, err := r.Cookie(simCookie)
	if err != nil {
		return "", nil
	}
	sess, ok := s.sessions[c.Value]
	if !ok {
		return "", nil
	}
	if !sess.expires.IsZero() && !s.cfg.Now().Before(sess.expires) {
		delete(s.sessions, c.Value)
		return "", nil
	}
	return c.Value, sess
}

func (s *Simulator) advance(now time.Time) {
	hours := now.Sub(s.lastAdvance).Hours()
	if hours < 0 {
		hours = 0
	}
	s.lastAdvance = now
	for _, d := range s.devices {
		if d.Running && d.Temperature < d.Setting {
			d.Temperature = math.Min(d.Setting, d.Temperature+s.cfg.HeatRate*hours)
		} else {
			d.Temperature = math.Max(15, d.Temperature-s.cfg.LossRate*hours)
		}
		s.updateStatus(d)
	}
}

func (s *Simulator) updateStatus(d *simDevice) {
	switch {
	case !d.Running:
		d.status = 0
	case d.Temperature < d.Setting:
		d.status = 2
	default:
		d.status = 1
	}
}

// ExpireSessions invalidates every session, as CSNet does when it logs a
// user out server side.
func (s *Simulator) ExpireSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[string]*simSession)
}

// RejectCommands makes every following command answer with a business
// failure.
func (s *Simulator) RejectCommands(reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectCommands = reject
}

// Device returns the simulated state of the device with the given id.
func (s *Simulator) Device(id string) (SimulatedDevice, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.devices {
		if d.ID == id {
			return d.SimulatedDevice, true
		}
	}
	return SimulatedDevice{}, false
}

// Counts returns the number of successful logins, element fetches and
// accepted command requests served so far.
func (s *Simulator) Counts() (logins, fetches, commands int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logins, s.fetches, s.commands
}

func randomString() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
