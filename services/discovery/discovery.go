// Package discovery finds candidate contacts through a places search API and
// filters them with an optional qualification expression.
package discovery

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"outreach-engine/pkg/celengine"
	"outreach-engine/pkg/errutil"

	"github.com/go-resty/resty/v2"
	"github.com/google/cel-go/cel"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const defaultLimit = 20

type Query struct {
	City     string `form:"city" json:"city"`
	Category string `form:"category" json:"category"`
	Limit    int    `form:"limit" json:"limit"`
}

type Lead struct {
	Name     string  `json:"name"`
	Phone    string  `json:"phone,omitempty"`
	Email    string  `json:"email,omitempty"`
	Website  string  `json:"website,omitempty"`
	Address  string  `json:"address,omitempty"`
	City     string  `json:"city,omitempty"`
	Category string  `json:"category,omitempty"`
	Rating   float64 `json:"rating"`
	Reviews  int64   `json:"reviews"`
}

// ContactAddress prefers phone, then e-mail, then website.
func (l Lead) ContactAddress() string {
	for _, v := range []string{l.Phone, l.Email, l.Website} {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func (l Lead) attributes() map[string]any {
	return map[string]any{
		"name":     l.Name,
		"phone":    l.Phone,
		"email":    l.Email,
		"website":  l.Website,
		"address":  l.Address,
		"city":     l.City,
		"category": l.Category,
		"rating":   l.Rating,
		"reviews":  l.Reviews,
	}
}

var leadDecls = map[string]*cel.Type{
	"name":     cel.StringType,
	"phone":    cel.StringType,
	"email":    cel.StringType,
	"website":  cel.StringType,
	"address":  cel.StringType,
	"city":     cel.StringType,
	"category": cel.StringType,
	"rating":   cel.DoubleType,
	"reviews":  cel.IntType,
}

type Config struct {
	URL     string
	APIKey  string
	Qualify string
	Timeout time.Duration
}

type searchResponse struct {
	Results []Lead `json:"results"`
}

type Service struct {
	client  *resty.Client
	qualify *celengine.Predicate

	// identical concurrent searches share one upstream call
	group singleflight.Group
}

func NewService(cfg Config) (*Service, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := resty.New().SetBaseURL(cfg.URL).SetTimeout(timeout)
	if cfg.APIKey != "" {
		client.SetHeader("X-API-Key", cfg.APIKey)
	}

	svc := &Service{client: client}

	if expr := strings.TrimSpace(cfg.Qualify); expr != "" {
		env, err := celengine.NewEnv(leadDecls)
		if err != nil {
			return nil, err
		}
		p, err := celengine.Compile(env, expr)
		if err != nil {
			return nil, fmt.Errorf("discovery: invalid qualify expression: %w", err)
		}
		svc.qualify = p
	}

	return svc, nil
}

// Search returns qualified leads that have a usable contact address.
func (s *Service) Search(ctx context.Context, q Query) ([]Lead, error) {
	q.City = strings.TrimSpace(q.City)
	q.Category = strings.TrimSpace(q.Category)
	if q.City == "" || q.Category == "" {
		return nil, errutil.ValidationFailed("city and category are required", nil,
			errutil.WithDetails(errutil.Detail{Field: "city", Message: "required"}, errutil.Detail{Field: "category", Message: "required"}))
	}
	if q.Limit <= 0 || q.Limit > 100 {
		q.Limit = defaultLimit
	}

	key := fmt.Sprintf("%s|%s|%d", strings.ToLower(q.City), strings.ToLower(q.Category), q.Limit)
	v, err, _ := s.group.Do(key, func() (any, error) {
		return s.fetch(ctx, q)
	})
	if err != nil {
		return nil, err
	}
	results := v.([]Lead)

	leads := make([]Lead, 0, len(results))
	for _, l := range results {
		if l.ContactAddress() == "" {
			continue
		}
		if l.City == "" {
			l.City = q.City
		}
		if l.Category == "" {
			l.Category = q.Category
		}

		if s.qualify != nil {
			ok, err := s.qualify.Match(l.attributes())
			if err != nil {
				zap.L().Warn("qualify expression failed", zap.String("lead", l.Name), zap.Error(err))
				continue
			}
			if !ok {
				continue
			}
		}
		leads = append(leads, l)
	}

	return leads, nil
}

func (s *Service) fetch(ctx context.Context, q Query) ([]Lead, error) {
	var out searchResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"city":     q.City,
			"category": q.Category,
			"limit":    strconv.Itoa(q.Limit),
		}).
		SetResult(&out).
		Get("/search")
	if err != nil {
		return nil, errutil.BadGateway("places search failed", err)
	}
	if resp.IsError() {
		return nil, errutil.BadGateway(fmt.Sprintf("places search returned %d", resp.StatusCode()), nil)
	}
	return out.Results, nil
}
