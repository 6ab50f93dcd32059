package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"changeobserver/internal/fault"
	"changeobserver/internal/marker"
	logx "changeobserver/pkg/logx"
)

// createRequest is the creation body. The coordinate arrives either flat
// (longitude, latitude) or nested under "coordinate"; numbers and numeric
// strings are both accepted.
type createRequest struct {
	Name       string          `json:"name" validate:"required,max=200"`
	Longitude  json.RawMessage `json:"longitude"`
	Latitude   json.RawMessage `json:"latitude"`
	Coordinate json.RawMessage `json:"coordinate"`
	ImgURL     string          `json:"imgUrl" validate:"omitempty,url"`
	Tags       []string        `json:"tags" validate:"omitempty,max=32,dive,required,max=64"`
	Emails     []string        `json:"subscribedEmails" validate:"omitempty,max=100,dive,email"`
}

type updateRequest struct {
	Name       string             `json:"name" validate:"required,max=200"`
	Coordinate *marker.Coordinate `json:"coordinate" validate:"required"`
	ImgURL     string             `json:"imgUrl" validate:"omitempty,url"`
	Tags       []string           `json:"tags" validate:"omitempty,max=32,dive,required,max=64"`
	Emails     []string           `json:"subscribedEmails" validate:"omitempty,max=100,dive,email"`
}

type subscribeRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// ready fails with a configuration error when the marker store is absent
// or required settings are missing.
func (h *handlers) ready() error {
	if len(h.deps.Missing) > 0 {
		return fault.Configurationf("http.markers", "missing configuration: %s", strings.Join(h.deps.Missing, ", "))
	}
	if h.deps.Markers == nil {
		return fault.Configurationf("http.markers", "marker store unavailable")
	}
	return nil
}

func (h *handlers) bind(c *gin.Context, out any) error {
	raw, err := c.GetRawData()
	if err != nil {
		return fault.Validation("http.body", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		var fe *fault.Error
		if errors.As(err, &fe) {
			return err
		}
		return fault.Validation("http.body", err)
	}
	if err := h.validate.Struct(out); err != nil {
		return fault.Validation("http.body", err)
	}
	return nil
}

func (r createRequest) coordinate() (marker.Coordinate, error) {
	var c marker.Coordinate
	src := r.Coordinate
	if len(src) == 0 || string(src) == "null" {
		flat, err := json.Marshal(map[string]json.RawMessage{"longitude": r.Longitude, "latitude": r.Latitude})
		if err != nil {
			return c, fault.Validation("http.body", err)
		}
		src = flat
	}
	if err := json.Unmarshal(src, &c); err != nil {
		var fe *fault.Error
		if errors.As(err, &fe) {
			return c, err
		}
		return c, fault.Validation("http.body", err)
	}
	return c, c.Validate()
}

// createMarker answers 201 {markerId}. Missing configuration is checked
// before the body is read.
func (h *handlers) createMarker(c *gin.Context) {
	if err := h.ready(); err != nil {
		h.log.Error("marker creation refused", logx.Err(err))
		abort(c, err)
		return
	}
	var req createRequest
	if err := h.bind(c, &req); err != nil {
		abort(c, err)
		return
	}
	coord, err := req.coordinate()
	if err != nil {
		abort(c, err)
		return
	}
	m, err := marker.New(req.Name, coord)
	if err != nil {
		abort(c, err)
		return
	}
	m.ImgURL = strings.TrimSpace(req.ImgURL)
	m.Tags = req.Tags
	for _, e := range req.Emails {
		if err := m.Subscribe(e); err != nil {
			abort(c, err)
			return
		}
	}
	m.Touch(h.deps.Now())

	id, err := h.deps.Markers.Add(c.Request.Context(), m)
	if err != nil {
		abort(c, err)
		return
	}
	h.log.Info("marker created", logx.String("marker", id), logx.String("coord", coord.String()))
	c.JSON(http.StatusCreated, gin.H{"markerId": id})
}

func (h *handlers) listMarkers(c *gin.Context) {
	if h.deps.Markers == nil {
		abort(c, fault.Configurationf("http.markers", "marker store unavailable"))
		return
	}
	ms, err := h.deps.Markers.List(c.Request.Context())
	if err != nil {
		abort(c, err)
		return
	}
	if ms == nil {
		ms = []marker.Marker{}
	}
	c.JSON(http.StatusOK, ms)
}

func (h *handlers) getMarker(c *gin.Context) {
	if h.deps.Markers == nil {
		abort(c, fault.Configurationf("http.markers", "marker store unavailable"))
		return
	}
	m, err := h.deps.Markers.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// updateMarker replaces the user-editable fields. Imagery, history and
// status stay owned by the pipeline.
func (h *handlers) updateMarker(c *gin.Context) {
	if err := h.ready(); err != nil {
		abort(c, err)
		return
	}
	var req updateRequest
	if err := h.bind(c, &req); err != nil {
		abort(c, err)
		return
	}
	if err := req.Coordinate.Validate(); err != nil {
		abort(c, err)
		return
	}
	ctx := c.Request.Context()
	m, err := h.deps.Markers.Get(ctx, c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	m.Name = strings.TrimSpace(req.Name)
	m.Coordinate = *req.Coordinate
	m.ImgURL = strings.TrimSpace(req.ImgURL)
	m.Tags = req.Tags
	m.SubscribedEmails = []string{}
	for _, e := range req.Emails {
		if err := m.Subscribe(e); err != nil {
			abort(c, err)
			return
		}
	}
	m.Touch(h.deps.Now())
	if err := h.deps.Markers.Update(ctx, m); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// deleteMarker is idempotent: deleting an unknown id still answers 204.
func (h *handlers) deleteMarker(c *gin.Context) {
	if err := h.ready(); err != nil {
		abort(c, err)
		return
	}
	if err := h.deps.Markers.Delete(c.Request.Context(), c.Param("id")); err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) subscribe(c *gin.Context) {
	if err := h.ready(); err != nil {
		abort(c, err)
		return
	}
	var req subscribeRequest
	if err := h.bind(c, &req); err != nil {
		abort(c, err)
		return
	}
	ctx := c.Request.Context()
	m, err := h.deps.Markers.Get(ctx, c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	if err := m.Subscribe(req.Email); err != nil {
		abort(c, err)
		return
	}
	if err := h.deps.Markers.Update(ctx, m); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"markerId": m.ID, "subscribedEmails": m.SubscribedEmails})
}

func (h *handlers) unsubscribe(c *gin.Context) {
	if err := h.ready(); err != nil {
		abort(c, err)
		return
	}
	ctx := c.Request.Context()
	m, err := h.deps.Markers.Get(ctx, c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	if m.Unsubscribe(c.Param("email")) {
		if err := h.deps.Markers.Update(ctx, m); err != nil {
			abort(c, err)
			return
		}
	}
	c.Status(http.StatusNoContent)
}
