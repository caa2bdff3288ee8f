package httpapi

import (
	"encoding/json"
	"net/http"
	"html/template"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/r-waf/rwafd/internal/journal"
	"github.com/r-waf/rwafd/internal/pipeline"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// checkRequestBody mirrors the /check POST body shape from spec.md
// section 6: `{ip, method, header, user_agent, path, body_raw_b64,
// status_code?}`. Presence of status_code selects response phase.
type checkRequestBody struct {
	IP         string `json:"ip"`
	Method     string `json:"method"`
	Header     string `json:"header"`
	UserAgent  string `json:"user_agent"`
	Path       string `json:"path"`
	BodyRawB64 string `json:"body_raw_b64"`
	StatusCode *int   `json:"status_code,omitempty"`
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var body checkRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}

	requestID := r.Header.Get("X-Request-Id")
	if requestID == "" {
		requestID = journal.NewRequestID()
	}

	d := pipeline.Descriptor{
		RequestID:  requestID,
		IP:         body.IP,
		Method:     body.Method,
		Header:     body.Header,
		UserAgent:  body.UserAgent,
		Path:       body.Path,
		Body:       body.BodyRawB64,
		StatusCode: body.StatusCode,
	}

	var v pipeline.Verdict
	if body.StatusCode != nil {
		v = s.pipeline.CheckResponse(d)
	} else {
		v = s.pipeline.CheckRequest(d)
	}

	w.Header().Set("X-Request-Id", requestID)
	resp := map[string]any{"action": v.Action}
	if v.Reason != "" {
		resp["reason"] = v.Reason
	}
	if v.Module != "" {
		resp["module"] = v.Module
	}
	if v.MatchedRule != "" {
		resp["matched_rule"] = v.MatchedRule
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.rules.Reload(); err != nil {
		s.logger.Error("reload: rules", zap.Error(err))
	}
	if err := s.bans.LoadBans(); err != nil {
		s.logger.Error("reload: bans", zap.Error(err))
	}
	if err := s.bans.LoadWhitelist(); err != nil {
		s.logger.Error("reload: whitelist", zap.Error(err))
	}
	s.cache.Clear()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{
		"enable_request_body_check":  s.cfg.EnableRequestBodyCheck,
		"enable_response_body_check": s.cfg.EnableResponseBodyCheck,
		"enable_response_filter":     s.cfg.EnableResponseFilter,
	})
}

func (s *Server) handleBanList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.bans.ListActive())
}

func (s *Server) handleBanAdd(w http.ResponseWriter, r *http.Request) {
	ip := r.URL.Query().Get("ip")
	if ip == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing ip"})
		return
	}
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "manual"
	}

	var minutes *float64
	if raw := r.URL.Query().Get("minutes"); raw != "" {
		if m, err := strconv.ParseFloat(raw, 64); err == nil {
			minutes = &m
		}
	}

	until, ok := s.bans.AddBan(ip, minutes, reason)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "reason": "IP in whitelist"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "banned", "ip": ip, "until": until.UTC().Format(time.RFC3339)})
}

func (s *Server) handleBanDelete(w http.ResponseWriter, r *http.Request) {
	ip := r.URL.Query().Get("ip")
	if ip == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing ip"})
		return
	}
	if !s.bans.DeleteBan(ip) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not banned"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "ip": ip})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cache.Stats())
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	s.cache.Clear()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// handleSysmon reports the current process resource sample plus its
// rolling history, matching the Python original's /sysmon route.
// "since" is a Go duration string (e.g. "1h"); omitted or invalid
// returns the full bounded history.
func (s *Server) handleSysmon(w http.ResponseWriter, r *http.Request) {
	since, _ := time.ParseDuration(r.URL.Query().Get("since"))
	writeJSON(w, http.StatusOK, map[string]any{
		"current": s.sysmon.Current(),
		"history": s.sysmon.History(since),
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	limit := journal.ParseLimit(r.URL.Query().Get("limit"), 100)
	ip := r.URL.Query().Get("ip")

	var entries []journal.AlertEntry
	if ip != "" {
		entries = s.alerts.ByIP(ip, limit)
	} else {
		entries = s.alerts.Recent(limit)
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleAlertsClear(w http.ResponseWriter, r *http.Request) {
	if err := s.alerts.Clear(); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// defaultBannedPageTemplate is used when BannedPageFile does not exist
// on disk, matching the substitution variables from spec.md section 6.
const defaultBannedPageTemplate = `<!DOCTYPE html>
<html>
<head><title>Access Blocked</title></head>
<body>
<h1>Access Denied</h1>
<p>Your IP address {{.IP}} has been blocked.</p>
<p>Reason: {{.Reason}}</p>
<p>Ban expires in {{.Remain}} seconds.</p>
</body>
</html>
`

type bannedPageData struct {
	IP     string
	Expiry int64
	Remain int64
	Reason string
}

func (s *Server) handleBannedPage(w http.ResponseWriter, r *http.Request) {
	ip := r.URL.Query().Get("ip")
	if ip == "" {
		ip = clientIP(r)
	}

	banned, reason := s.bans.IsBanned(ip)
	var until time.Time
	for _, e := range s.bans.ListAll() {
		if e.IP == ip {
			until = e.Until
			break
		}
	}
	if !banned {
		reason = "unknown"
	}

	remain := int64(0)
	if !until.IsZero() {
		remain = int64(time.Until(until).Seconds())
		if remain < 0 {
			remain = 0
		}
	}

	raw, err := s.loadBannedPageTemplate()
	if err != nil {
		raw = defaultBannedPageTemplate
	}

	tmpl, err := template.New("banned_page").Parse(translateLegacyPlaceholders(raw))
	if err != nil {
		s.logger.Warn("invalid banned page template, using default", zap.Error(err))
		tmpl = template.Must(template.New("banned_page").Parse(defaultBannedPageTemplate))
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = tmpl.Execute(w, bannedPageData{
		IP:     ip,
		Expiry: until.UnixMilli(),
		Remain: remain,
		Reason: reason,
	})
}

// translateLegacyPlaceholders rewrites the Python original's "$IP"-style
// placeholders into Go template actions, so a banned_page_file authored
// against the old convention still renders (spec.md section 6: "$IP"/
// "{{IP}}" are both accepted).
func translateLegacyPlaceholders(raw string) string {
	replacer := strings.NewReplacer(
		"$IP", "{{.IP}}", "{{IP}}", "{{.IP}}",
		"$EXPIRY", "{{.Expiry}}", "{{EXPIRY}}", "{{.Expiry}}",
		"$REMAIN", "{{.Remain}}", "{{REMAIN}}", "{{.Remain}}",
		"{{REASON}}", "{{.Reason}}",
	)
	return replacer.Replace(raw)
}

func (s *Server) loadBannedPageTemplate() (string, error) {
	if s.cfg.BannedPageFile == "" {
		return "", os.ErrNotExist
	}
	data, err := os.ReadFile(s.cfg.BannedPageFile)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx >= 0 {
		return host[:idx]
	}
	return host
}
