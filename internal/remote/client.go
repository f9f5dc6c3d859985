// Package remote talks to the scheduling API over HTTP. Its Client is the
// portal-side implementation of scheduling.Repository.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/portal-scheduling/internal/api"
	"github.com/hackgods/portal-scheduling/internal/appointment"
	"github.com/hackgods/portal-scheduling/internal/scheduling"
	"github.com/hackgods/portal-scheduling/internal/timeslot"
)

var _ scheduling.Repository = (*Client)(nil)

type Client struct {
	baseURL    string
	token      string
	loc        *time.Location
	httpClient *http.Client
	log        zerolog.Logger
}

// ClientOption is a functional option for configuring the Client.
type ClientOption func(*Client)

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

func WithLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) {
		c.log = log
	}
}

// WithLocation sets the zone used to read wall-clock dates and times.
// It must match the server's TIMEZONE.
func WithLocation(loc *time.Location) ClientOption {
	return func(c *Client) {
		c.loc = loc
	}
}

// NewClient returns a client acting with the bearer token of one actor.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		token:   token,
		loc:     time.UTC,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		log: zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func (c *Client) Create(ctx context.Context, a appointment.Appointment) (*appointment.Appointment, error) {
	rec := appointment.ToRecord(a, c.loc)
	rec.ID = ""
	return c.appointment(ctx, http.MethodPost, "/appointments", rec, appointment.ErrRemoteWrite)
}

func (c *Client) Update(ctx context.Context, id string, patch appointment.Patch) (*appointment.Appointment, error) {
	return c.appointment(ctx, http.MethodPatch, "/appointments/"+url.PathEscape(id), appointment.ToPatchRecord(patch, c.loc), appointment.ErrRemoteWrite)
}

// Delete treats an appointment that is already gone as deleted.
func (c *Client) Delete(ctx context.Context, id string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/appointments/"+url.PathEscape(id), nil)
	if err != nil {
		return fmt.Errorf("%w: %w", appointment.ErrRemoteWrite, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK, http.StatusNotFound:
		return nil
	}
	return decodeError(resp, appointment.ErrRemoteWrite)
}

func (c *Client) Get(ctx context.Context, id string) (*appointment.Appointment, error) {
	return c.appointment(ctx, http.MethodGet, "/appointments/"+url.PathEscape(id), nil, appointment.ErrRemoteRead)
}

func (c *Client) List(ctx context.Context, scope appointment.Scope) ([]appointment.Appointment, error) {
	q := url.Values{}
	switch scope.Role {
	case appointment.RoleDoctor:
		q.Set("doctor_id", scope.ActorID)
	case appointment.RolePatient:
		q.Set("patient_id", scope.ActorID)
	default:
		return nil, fmt.Errorf("%w: unknown role %q", appointment.ErrRemoteRead, scope.Role)
	}

	resp, err := c.do(ctx, http.MethodGet, "/appointments?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", appointment.ErrRemoteRead, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp, appointment.ErrRemoteRead)
	}

	var body api.ListAppointmentsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: decode list: %w", appointment.ErrRemoteRead, err)
	}

	out := make([]appointment.Appointment, 0, len(body.Appointments))
	for _, rec := range body.Appointments {
		a, err := rec.Appointment(c.loc)
		if err != nil {
			c.log.Warn().Err(err).Str("appointment_id", rec.ID).Msg("skipping unreadable appointment")
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (c *Client) Approve(ctx context.Context, id string) (*appointment.Appointment, error) {
	return c.appointment(ctx, http.MethodPost, "/appointments/"+url.PathEscape(id)+"/approve", nil, appointment.ErrRemoteWrite)
}

func (c *Client) Reject(ctx context.Context, id string) (*appointment.Appointment, error) {
	return c.appointment(ctx, http.MethodPost, "/appointments/"+url.PathEscape(id)+"/reject", nil, appointment.ErrRemoteWrite)
}

func (c *Client) OpenSlots(ctx context.Context, doctorID string, date time.Time) ([]timeslot.Interval, error) {
	path := fmt.Sprintf("/doctors/%s/open-slots?date=%s", url.PathEscape(doctorID), date.Format("2006-01-02"))
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", appointment.ErrRemoteRead, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp, appointment.ErrRemoteRead)
	}

	var body api.OpenSlotsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: decode open slots: %w", appointment.ErrRemoteRead, err)
	}
	out := make([]timeslot.Interval, 0, len(body.Slots))
	for _, s := range body.Slots {
		out = append(out, timeslot.Interval{Start: s.Start.In(c.loc), End: s.End.In(c.loc)})
	}
	return out, nil
}

// appointment performs a request that answers with a single record.
func (c *Client) appointment(ctx context.Context, method, path string, body any, sentinel error) (*appointment.Appointment, error) {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", sentinel, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, decodeError(resp, sentinel)
	}

	var rec appointment.Record
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, fmt.Errorf("%w: decode appointment: %w", sentinel, err)
	}
	a, err := rec.Appointment(c.loc)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", sentinel, err)
	}
	return &a, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Debug().Err(err).Str("method", method).Str("path", path).Msg("request failed")
		return nil, err
	}
	c.log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("api call")
	return resp, nil
}

// codeErrors maps API error codes to the errors callers test for.
var codeErrors = map[string]error{
	api.CodeNotFound:          appointment.ErrNotFound,
	api.CodePatientNotFound:   appointment.ErrPatientNotFound,
	api.CodeDoctorNotFound:    appointment.ErrDoctorNotFound,
	api.CodeSlotConflict:      appointment.ErrSlotConflict,
	api.CodeInvalidTransition: appointment.ErrInvalidTransition,
	api.CodeInvalidTimeRange:  timeslot.ErrInvalidInterval,
	api.CodeInvalidKind:       appointment.ErrInvalidKind,
	api.CodeInvalidStatus:     appointment.ErrInvalidStatus,
	api.CodeMissingPatient:    appointment.ErrMissingPatient,
	api.CodeMissingDoctor:     appointment.ErrMissingDoctor,
}

// decodeError turns an error response into sentinel wrapped around the
// domain error its code names. A missing appointment is reported as
// ErrNotFound alone so callers can tell it from a failed call.
func decodeError(resp *http.Response, sentinel error) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var body api.ErrorResponse
	if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
		return fmt.Errorf("%w: status %d: %s", sentinel, resp.StatusCode, bytes.TrimSpace(data))
	}

	domainErr, ok := codeErrors[body.Error]
	switch {
	case !ok:
		return fmt.Errorf("%w: status %d: %s: %s", sentinel, resp.StatusCode, body.Error, body.Details)
	case errors.Is(domainErr, appointment.ErrNotFound), errors.Is(domainErr, appointment.ErrInvalidTransition):
		return fmt.Errorf("%w: %s", domainErr, body.Details)
	default:
		return fmt.Errorf("%w: %w: %s", sentinel, domainErr, body.Details)
	}
}
