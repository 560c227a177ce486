package api

import (
	"errors"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/wutangasaf/aml-detection/internal/core"
)

const (
	MaxContentLength = 10000
	MaxTitleLength   = 200
	MaxSearchLimit   = 50
	MaxPageLimit     = 500
)

// Rules applied after trimming.
const (
	contentRule     = "required,max=10000"
	titleRule       = "required,max=200"
	searchLimitRule = "min=1,max=50"
	pageLimitRule   = "min=1,max=500"
	offsetRule      = "min=0"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type CreateSessionRequest struct {
	Title        *string `json:"title,omitempty"`
	SourceFilter *string `json:"sourceFilter,omitempty"`
}

type RenameSessionRequest struct {
	Title string `json:"title"`
}

type PostMessageRequest struct {
	Content string `json:"content"`
}

type SearchRequest struct {
	Query        string `json:"query"`
	Limit        *int   `json:"limit,omitempty"`
	SourceFilter string `json:"sourceFilter,omitempty"`
}

type searchInput struct {
	Query string
	Opts  core.SearchOptions
}

// checkField runs one validator rule and reports the first failure against field.
func checkField(field string, value any, rule string) error {
	err := validate.Var(value, rule)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return core.NewValidationError(field, err.Error())
	}
	return core.NewValidationError(field, reason(fieldErrs[0]))
}

func reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "must not be empty"
	case "max":
		if fe.Kind() == reflect.String {
			return "must be at most " + fe.Param() + " characters"
		}
		return "must be at most " + fe.Param()
	case "min":
		return "must be at least " + fe.Param()
	default:
		return "failed " + fe.Tag() + " check"
	}
}

func validateSessionID(id string) (string, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return "", core.NewValidationError("sessionID", "must be a UUID")
	}
	return parsed.String(), nil
}

func validateTitle(title string) (string, error) {
	title = strings.TrimSpace(title)
	if err := checkField("title", title, titleRule); err != nil {
		return "", err
	}
	return title, nil
}

func validateCreateSession(req CreateSessionRequest) (core.CreateSessionInput, error) {
	var in core.CreateSessionInput
	if req.Title != nil && strings.TrimSpace(*req.Title) != "" {
		title, err := validateTitle(*req.Title)
		if err != nil {
			return in, err
		}
		in.Title = title
	}
	if req.SourceFilter != nil {
		if filter := strings.TrimSpace(*req.SourceFilter); filter != "" {
			in.SourceFilter = &filter
		}
	}
	return in, nil
}

func validateRename(req RenameSessionRequest) (string, error) {
	return validateTitle(req.Title)
}

func validateMessage(req PostMessageRequest) (string, error) {
	content := strings.TrimSpace(req.Content)
	if err := checkField("content", content, contentRule); err != nil {
		return "", err
	}
	return content, nil
}

func validateSearch(req SearchRequest) (searchInput, error) {
	query := strings.TrimSpace(req.Query)
	if err := checkField("query", query, contentRule); err != nil {
		return searchInput{}, err
	}
	limit := core.DefaultSearchLimit
	if req.Limit != nil {
		limit = *req.Limit
		if err := checkField("limit", limit, searchLimitRule); err != nil {
			return searchInput{}, err
		}
	}
	return searchInput{
		Query: query,
		Opts:  core.SearchOptions{Limit: limit, SourceFilter: strings.TrimSpace(req.SourceFilter)},
	}, nil
}

// validatePage parses the limit/offset query parameters of a message listing.
// Empty values fall back to the first full page.
func validatePage(limitParam, offsetParam string) (core.MessagePage, error) {
	page := core.MessagePage{Limit: MaxPageLimit}
	if limitParam != "" {
		limit, err := strconv.Atoi(limitParam)
		if err != nil {
			return page, core.NewValidationError("limit", "must be an integer")
		}
		if err := checkField("limit", limit, pageLimitRule); err != nil {
			return page, err
		}
		page.Limit = limit
	}
	if offsetParam != "" {
		offset, err := strconv.Atoi(offsetParam)
		if err != nil {
			return page, core.NewValidationError("offset", "must be an integer")
		}
		if err := checkField("offset", offset, offsetRule); err != nil {
			return page, err
		}
		page.Offset = offset
	}
	return page, nil
}
