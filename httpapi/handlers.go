package httpapi

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/goliatone/go-errors"

	"github.com/goliatone/go-drama"
	"github.com/goliatone/go-drama/fabric"
)

const maxBodyBytes = 1 << 20

type handler struct {
	task   Task
	logger drama.Logger
}

type actionResponse struct {
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

type invokeRequest struct {
	Args   []any          `json:"args"`
	Kwargs map[string]any `json:"kwargs"`
}

type paramRequest struct {
	Value any `json:"value"`
}

type paramResponse struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Status string `json:"status"`
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"task": h.task.Name(), "status": "ok"})
}

func (h *handler) listActions(w http.ResponseWriter, r *http.Request) {
	infos, err := h.task.Actions(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]actionResponse, 0, len(infos))
	for _, info := range infos {
		out = append(out, actionResponse{Name: info.Name, Active: info.Active})
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *handler) obey(w http.ResponseWriter, r *http.Request) {
	h.invoke(w, r, h.task.Obey)
}

func (h *handler) kick(w http.ResponseWriter, r *http.Request) {
	h.invoke(w, r, h.task.Kick)
}

func (h *handler) invoke(w http.ResponseWriter, r *http.Request, send func(string, []any, map[string]any) error) {
	var req invokeRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	name := chi.URLParam(r, "name")
	if err := send(name, req.Args, req.Kwargs); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *handler) listParams(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.task.ParamNames())
}

func (h *handler) getParam(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	v, err := h.task.Param(name)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, paramResponse{Name: name, Value: v})
}

func (h *handler) setParam(w http.ResponseWriter, r *http.Request) {
	var req paramRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.task.SetParam(chi.URLParam(r, "name"), req.Value); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:  "invalid JSON body: " + err.Error(),
			Status: drama.StatusText(drama.StatusBadArgument),
		})
		return false
	}
	normalize(dst)
	return true
}

// normalize turns json.Number values into int64 or float64 so the codec
// sees Go numbers.
func normalize(dst any) {
	switch v := dst.(type) {
	case *invokeRequest:
		for i := range v.Args {
			v.Args[i] = number(v.Args[i])
		}
		for k := range v.Kwargs {
			v.Kwargs[k] = number(v.Kwargs[k])
		}
	case *paramRequest:
		v.Value = number(v.Value)
	}
}

func number(v any) any {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return f
		}
		return n.String()
	case []any:
		for i := range n {
			n[i] = number(n[i])
		}
	case map[string]any:
		for k := range n {
			n[k] = number(n[k])
		}
	}
	return v
}

func (h *handler) writeError(w http.ResponseWriter, err error) {
	status := drama.StatusOf(err)
	code := http.StatusInternalServerError
	switch status {
	case drama.StatusParamNotFound, drama.StatusUnknownAction:
		code = http.StatusNotFound
	case drama.StatusNestedParam, drama.StatusBadArgument:
		code = http.StatusBadRequest
	}
	if closedTask(err) {
		code = http.StatusServiceUnavailable
	}
	if code >= http.StatusInternalServerError {
		h.logger.Error("request failed: %v", err)
	}
	h.writeJSON(w, code, errorResponse{Error: err.Error(), Status: drama.StatusText(status)})
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response: %v", err)
	}
}

func closedTask(err error) bool {
	var ge *errors.Error
	if !stderrors.As(err, &ge) {
		return false
	}
	return ge.TextCode == fabric.ErrNodeClosed.TextCode || ge.TextCode == fabric.ErrMailboxFull.TextCode
}
