package web

import (
	"net/http"
	"path/filepath"

	"doser-dashboard/internal/settings"
)

type uploadProgress struct {
	File    string `json:"file"`
	Percent int    `json:"percent"`
	Done    bool   `json:"done"`
	Error   string `json:"error,omitempty"`
}

// handleAPIFirmware passes an uploaded firmware image through to the device.
// Progress is published as firmware_upload events.
func (s *Server) handleAPIFirmware(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload+1<<20)
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		s.badRequest(w, "invalid multipart body")
		return
	}
	defer r.MultipartForm.RemoveAll()

	f, hdr, err := r.FormFile("file")
	if err != nil {
		s.badRequest(w, "missing firmware file")
		return
	}
	defer f.Close()
	if hdr.Size > s.maxUpload {
		s.badRequest(w, "firmware image too large")
		return
	}

	name := filepath.Base(hdr.Filename)
	events := s.store.Events()
	err = s.device.UploadFirmware(r.Context(), name, f, hdr.Size, func(percent int) {
		events.Emit(settings.EventFirmwareUpload, uploadProgress{File: name, Percent: percent})
	})
	if err != nil {
		events.Emit(settings.EventFirmwareUpload, uploadProgress{File: name, Done: true, Error: err.Error()})
		s.writeError(w, err)
		return
	}

	s.logger.Info("firmware uploaded", "file", name, "size", hdr.Size)
	events.Emit(settings.EventFirmwareUpload, uploadProgress{File: name, Percent: 100, Done: true})
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "file": name})
}
