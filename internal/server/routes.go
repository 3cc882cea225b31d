package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"kannamma/internal/calls"
	"kannamma/internal/dashboard"
	"kannamma/internal/domain"
)

type handlers struct {
	svc  *dashboard.Service
	auth AuthConfig
}

// dashboardFor resolves the dashboard of the authenticated worker.
func (h handlers) dashboardFor(ctx context.Context) (*dashboard.Dashboard, huma.StatusError) {
	sess, authErr := sessionFromContext(ctx)
	if authErr != nil {
		return nil, authErr
	}
	return h.svc.For(sess), nil
}

type motherPath struct {
	MotherID string `path:"mother_id" minLength:"1"`
}

type sessionPath struct {
	SessionID string `path:"session_id" minLength:"1"`
}

type patientBody struct {
	Body domain.Patient `json:"body"`
}

type callSessionBody struct {
	Body calls.Session `json:"body"`
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func (h handlers) registerAuth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "login",
		Method:      http.MethodPost,
		Path:        "/auth/login",
		Summary:     "Log in as an ASHA worker",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body LoginRequest `json:"body"`
	}) (*struct {
		Body LoginResponse `json:"body"`
	}, error) {
		id := strings.TrimSpace(input.Body.ASHAID)
		if id == "" || input.Body.Password == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "asha_id and password are required", nil)
		}
		sess, err := h.svc.Login(ctx, id, input.Body.Password)
		if err != nil {
			return nil, handleError(err)
		}
		token, expires, err := signToken(h.auth, sess)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LoginResponse `json:"body"`
		}{Body: LoginResponse{Token: token, ExpiresAt: expires, ASHA: sess.ASHA}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current worker",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.ASHA `json:"body"`
	}, error) {
		sess, authErr := sessionFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body domain.ASHA `json:"body"`
		}{Body: sess.ASHA}, nil
	})
}

func (h handlers) registerDashboard(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "dashboard",
		Method:      http.MethodGet,
		Path:        "/dashboard",
		Summary:     "Dashboard overview",
		Description: "Worker header, full roster and the most recent call logs.",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body dashboard.Overview `json:"body"`
	}, error) {
		d, authErr := h.dashboardFor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ov, err := d.Load(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		ov.Mothers = nonNilSlice(ov.Mothers)
		ov.CallLogs = nonNilSlice(ov.CallLogs)
		return &struct {
			Body dashboard.Overview `json:"body"`
		}{Body: ov}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-call-logs",
		Method:      http.MethodGet,
		Path:        "/call-logs",
		Summary:     "Recent call logs",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body CallLogsResponse `json:"body"`
	}, error) {
		d, authErr := h.dashboardFor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := d.CallLogs(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CallLogsResponse `json:"body"`
		}{Body: CallLogsResponse{Items: nonNilSlice(items)}}, nil
	})
}

func (h handlers) registerMothers(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-mothers",
		Method:      http.MethodGet,
		Path:        "/mothers",
		Summary:     "List mothers",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Flagged bool `query:"flagged" doc:"Only flagged mothers"`
	}) (*struct {
		Body MothersResponse `json:"body"`
	}, error) {
		d, authErr := h.dashboardFor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := d.Mothers(ctx, input.Flagged)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MothersResponse `json:"body"`
		}{Body: MothersResponse{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-mother",
		Method:      http.MethodGet,
		Path:        "/mothers/{mother_id}",
		Summary:     "Mother profile",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *motherPath) (*struct {
		Body dashboard.Profile `json:"body"`
	}, error) {
		d, authErr := h.dashboardFor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := d.Mother(ctx, input.MotherID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body dashboard.Profile `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mark-visited",
		Method:      http.MethodPost,
		Path:        "/mothers/{mother_id}/visit",
		Summary:     "Mark a mother visited",
		Description: "Sets visited and clears the flag in one update. Repeating it changes nothing.",
		Errors:      []int{http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *motherPath) (*patientBody, error) {
		d, authErr := h.dashboardFor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := d.MarkVisited(ctx, input.MotherID)
		if err != nil {
			return nil, handleError(err)
		}
		return &patientBody{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "toggle-flag",
		Method:      http.MethodPost,
		Path:        "/mothers/{mother_id}/flag/toggle",
		Summary:     "Toggle a mother's flag",
		Errors:      []int{http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *motherPath) (*patientBody, error) {
		d, authErr := h.dashboardFor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := d.ToggleFlag(ctx, input.MotherID)
		if err != nil {
			return nil, handleError(err)
		}
		return &patientBody{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-notes",
		Method:      http.MethodPut,
		Path:        "/mothers/{mother_id}/notes",
		Summary:     "Replace a mother's notes",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		MotherID string       `path:"mother_id" minLength:"1"`
		Body     NotesRequest `json:"body"`
	}) (*patientBody, error) {
		d, authErr := h.dashboardFor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := d.SetNotes(ctx, input.MotherID, input.Body.Notes)
		if err != nil {
			return nil, handleError(err)
		}
		return &patientBody{Body: p}, nil
	})
}

func (h handlers) registerCalls(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "call-mother",
		Method:      http.MethodPost,
		Path:        "/mothers/{mother_id}/call",
		Summary:     "Call one mother",
		Description: "Places an IVR call and flags the mother when the outcome needs follow-up.",
		Errors:      []int{http.StatusNotFound, http.StatusBadGateway, http.StatusGatewayTimeout},
	}, func(ctx context.Context, input *motherPath) (*struct {
		Body calls.SingleResult `json:"body"`
	}, error) {
		d, authErr := h.dashboardFor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := d.CallOne(ctx, input.MotherID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body calls.SingleResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "call-all",
		Method:        http.MethodPost,
		Path:          "/call-all",
		Summary:       "Call every mother",
		Description:   "Starts a bulk call in the background and returns its session. With wait=true the response holds the finished result.",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Wait bool `query:"wait" doc:"Block until every call has finished"`
	}) (*struct {
		Status int
		Body   CallAllResponse `json:"body"`
	}, error) {
		d, authErr := h.dashboardFor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Wait {
			res, err := d.CallAll(ctx)
			if err != nil {
				return nil, handleError(err)
			}
			res.Mothers = nonNilSlice(res.Mothers)
			return &struct {
				Status int
				Body   CallAllResponse `json:"body"`
			}{Status: http.StatusOK, Body: CallAllResponse{Result: &res}}, nil
		}
		sess, err := d.StartCallAll(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Status int
			Body   CallAllResponse `json:"body"`
		}{Status: http.StatusAccepted, Body: CallAllResponse{Session: &sess}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-call-session",
		Method:      http.MethodGet,
		Path:        "/call-all/{session_id}",
		Summary:     "Bulk call progress",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *sessionPath) (*callSessionBody, error) {
		d, authErr := h.dashboardFor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		sess, err := d.CallSession(input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &callSessionBody{Body: sess}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dismiss-call-session",
		Method:      http.MethodDelete,
		Path:        "/call-all/{session_id}",
		Summary:     "Dismiss bulk call progress",
		Description: "Stops collecting progress. Calls already placed still finish and flag mothers.",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *sessionPath) (*callSessionBody, error) {
		d, authErr := h.dashboardFor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		sess, err := d.DismissCallSession(input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &callSessionBody{Body: sess}, nil
	})
}

func (h handlers) registerExport(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "export-mothers",
		Method:      http.MethodGet,
		Path:        "/export/mothers.csv",
		Summary:     "Download the roster as CSV",
		Responses: map[string]*huma.Response{
			"200": {
				Description: "CSV file",
				Content: map[string]*huma.MediaType{
					"text/csv": {Schema: &huma.Schema{Type: "string"}},
				},
			},
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		ContentType        string `header:"Content-Type"`
		ContentDisposition string `header:"Content-Disposition"`
		Body               []byte
	}, error) {
		d, authErr := h.dashboardFor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		data, name, err := d.Export(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			ContentType        string `header:"Content-Type"`
			ContentDisposition string `header:"Content-Disposition"`
			Body               []byte
		}{
			ContentType:        "text/csv; charset=utf-8",
			ContentDisposition: fmt.Sprintf("attachment; filename=%q", name),
			Body:               data,
		}, nil
	})
}
