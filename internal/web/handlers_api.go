package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"doser-dashboard/internal/api"
	"doser-dashboard/internal/calibration"
	"doser-dashboard/internal/device"
	"doser-dashboard/internal/forms"
	"doser-dashboard/internal/settings"
)

const loginPath = "/login"

// decodeBody reads a JSON request body limited to 1 MB.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	return json.NewDecoder(r.Body).Decode(v)
}

func (s *Server) badRequest(w http.ResponseWriter, msg string) {
	s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

func (s *Server) writeUnauthorized(w http.ResponseWriter) {
	s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "not authenticated", "redirect": loginPath})
}

// writeError maps store, form and device errors to a JSON answer.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var formErr *forms.ValidationError
	var calErr *calibration.ValidationError
	switch {
	case errors.As(err, &formErr):
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": formErr.Message, "field": formErr.Field})
	case errors.As(err, &calErr):
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": calErr.Message, "field": calErr.Field})
	case errors.Is(err, api.ErrUnauthorized):
		s.writeUnauthorized(w)
	case errors.Is(err, settings.ErrNetworkNotFound):
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, settings.ErrDuplicateNetworkType),
		errors.Is(err, settings.ErrDuplicateSpeed),
		errors.Is(err, calibration.ErrInvalidTransition):
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		s.logger.Warn("device call failed", "err", err)
		s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
	}
}

// writeSaved answers a persisted mutation with the device's success flag.
func (s *Server) writeSaved(w http.ResponseWriter, ok bool) {
	resp := map[string]interface{}{"success": ok}
	if !ok {
		resp["error"] = s.store.Err()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func pathID(r *http.Request, name string) (int, bool) {
	id, err := strconv.Atoi(r.PathValue(name))
	return id, err == nil
}

func (s *Server) handleAPISession(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]bool{"authenticated": s.store.Authenticated()})
}

func (s *Server) handleAPILogin(w http.ResponseWriter, r *http.Request) {
	var creds device.Credentials
	if err := decodeBody(w, r, &creds); err != nil {
		s.badRequest(w, "invalid request body")
		return
	}
	if creds.Username == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Username is required.", "field": "username"})
		return
	}
	if !s.store.Login(r.Context(), creds) {
		s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": s.store.Err()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"authenticated": true})
}

func (s *Server) handleAPILogout(w http.ResponseWriter, r *http.Request) {
	s.store.Logout()
	s.writeJSON(w, http.StatusOK, map[string]bool{"authenticated": false})
}

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.store.Status())
}

func (s *Server) handleAPIRefreshStatus(w http.ResponseWriter, r *http.Request) {
	if err := s.store.LoadStatus(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.store.Status())
}

func (s *Server) handleAPISettings(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.store.Settings())
}

func (s *Server) handleAPIReloadSettings(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Refresh(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.store.Settings())
}

func (s *Server) handleAPIUpdateServices(w http.ResponseWriter, r *http.Request) {
	var svc device.Services
	if err := decodeBody(w, r, &svc); err != nil {
		s.badRequest(w, "invalid request body")
		return
	}
	ok, err := forms.SubmitServices(r.Context(), s.store, svc)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeSaved(w, ok)
}

func (s *Server) handleAPIUpdateAuth(w http.ResponseWriter, r *http.Request) {
	var auth device.Auth
	if err := decodeBody(w, r, &auth); err != nil {
		s.badRequest(w, "invalid request body")
		return
	}
	if auth.Username == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Username is required.", "field": "username"})
		return
	}
	ok, err := s.store.UpdateAuth(r.Context(), auth)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeSaved(w, ok)
}

func (s *Server) handleAPIUpdateTime(w http.ResponseWriter, r *http.Request) {
	var t device.Time
	if err := decodeBody(w, r, &t); err != nil {
		s.badRequest(w, "invalid request body")
		return
	}
	ok, err := s.store.UpdateTime(r.Context(), t)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeSaved(w, ok)
}

func (s *Server) handleAPIListNetworks(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.store.Networks())
}

type networkTypeView struct {
	forms.TypeOption
	Fields []string `json:"fields"`
}

func (s *Server) handleAPINetworkTypes(w http.ResponseWriter, r *http.Request) {
	opts := forms.AvailableNetworkTypes(s.store.Networks())
	views := make([]networkTypeView, 0, len(opts))
	for _, o := range opts {
		views = append(views, networkTypeView{TypeOption: o, Fields: forms.NetworkFields(o.Type)})
	}
	s.writeJSON(w, http.StatusOK, views)
}

type addNetworkRequest struct {
	Type device.NetworkType `json:"type"`
}

func (s *Server) handleAPIAddNetwork(w http.ResponseWriter, r *http.Request) {
	var req addNetworkRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.badRequest(w, "invalid request body")
		return
	}
	n, err := forms.AddNetwork(s.store, req.Type)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, n)
}

func (s *Server) handleAPIUpdateNetwork(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		s.badRequest(w, "invalid network id")
		return
	}
	if _, ok := s.store.Network(id); !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "network not found"})
		return
	}

	var n device.Network
	if err := decodeBody(w, r, &n); err != nil {
		s.badRequest(w, "invalid request body: "+err.Error())
		return
	}
	n.ID = id

	saved, err := forms.SubmitNetwork(r.Context(), s.store, n)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeSaved(w, saved)
}

func (s *Server) handleAPIDeleteNetwork(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		s.badRequest(w, "invalid network id")
		return
	}
	saved, err := s.store.DeleteNetwork(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeSaved(w, saved)
}

func (s *Server) handleAPIListPumps(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.store.Pumps())
}

// pumpFromPath resolves the {id} path value to an existing pump id.
func (s *Server) pumpFromPath(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, ok := pathID(r, "id")
	if !ok {
		s.badRequest(w, "invalid pump id")
		return 0, false
	}
	if _, ok := s.store.Pump(id); !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "pump not found"})
		return 0, false
	}
	return id, true
}

func (s *Server) handleAPIUpdatePump(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pumpFromPath(w, r)
	if !ok {
		return
	}
	var p device.Pump
	if err := decodeBody(w, r, &p); err != nil {
		s.badRequest(w, "invalid request body")
		return
	}
	p.ID = id

	saved, err := forms.SubmitPump(r.Context(), s.store, p)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeSaved(w, saved)
}

type runRequest struct {
	Speed     float64          `json:"speed"`
	Direction device.Direction `json:"direction"`
	Time      float64          `json:"time"`
}

func (s *Server) handleAPIRunPump(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		s.badRequest(w, "invalid pump id")
		return
	}
	var req runRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.badRequest(w, "invalid request body")
		return
	}

	cmd := device.RunCommand{ID: id, Speed: req.Speed, Direction: req.Direction, Time: req.Time}
	started, err := forms.RunPump(r.Context(), s.device, s.store, cmd)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("manual pump run", "pump", id, "speed", req.Speed, "minutes", req.Time, "started", started)
	s.writeJSON(w, http.StatusOK, map[string]bool{"success": started})
}

func (s *Server) handleAPIStageCalibration(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pumpFromPath(w, r)
	if !ok {
		return
	}
	var points []device.CalibrationPoint
	if err := decodeBody(w, r, &points); err != nil {
		s.badRequest(w, "invalid request body")
		return
	}
	if _, err := forms.StageCalibration(r.Context(), s.store, id, points); err != nil {
		s.writeError(w, err)
		return
	}
	p, _ := s.store.Pump(id)
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleAPIRemoveCalibration(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pumpFromPath(w, r)
	if !ok {
		return
	}
	index, ok := pathID(r, "index")
	if !ok {
		s.badRequest(w, "invalid calibration index")
		return
	}
	if _, err := forms.RemoveCalibration(r.Context(), s.store, id, index); err != nil {
		s.writeError(w, err)
		return
	}
	p, _ := s.store.Pump(id)
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleAPICalibrationSession(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pumpFromPath(w, r)
	if !ok {
		return
	}
	sess, err := s.calibrations.Session(id)
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, sess.Snapshot())
}

type calibrationValue struct {
	Value float64 `json:"value"`
}

func (s *Server) handleAPICalibrationAction(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pumpFromPath(w, r)
	if !ok {
		return
	}
	sess, err := s.calibrations.Session(id)
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}

	readValue := func() (float64, bool) {
		var v calibrationValue
		if err := decodeBody(w, r, &v); err != nil {
			s.badRequest(w, "invalid request body")
			return 0, false
		}
		return v.Value, true
	}

	switch action := r.PathValue("action"); action {
	case "begin":
		err = sess.Begin()
	case "speed":
		v, ok := readValue()
		if !ok {
			return
		}
		err = sess.SetSpeed(v)
	case "start":
		err = sess.StartRun(r.Context())
	case "stop":
		err = sess.StopRun(r.Context())
	case "volume":
		v, ok := readValue()
		if !ok {
			return
		}
		err = sess.SetVolume(v)
	case "flow":
		v, ok := readValue()
		if !ok {
			return
		}
		err = sess.SetFlow(v)
	case "finish":
		_, err = sess.Finish(r.Context())
	case "cancel":
		err = sess.Cancel(r.Context())
	default:
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown calibration action " + strconv.Quote(action)})
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
