package views

import (
	"errors"
	"fmt"
	"net/url"

	"judgesync/internal/changestream"
)

var (
	ErrViewExists   = errors.New("view already mounted")
	ErrViewNotFound = errors.New("view not found")
	ErrNoData       = errors.New("view has no data yet")
)

// View is one dashboard screen: the resource it watches and the endpoint
// its data is re-fetched from
type View struct {
	Name     string
	Resource string
	Kind     changestream.ChangeKind
	Filter   string
	URL      string
	Headers  map[string]string
}

// Key returns the refresh key used for the view
func (v View) Key() string {
	return "view:" + v.Name
}

// Validate checks that the view can be mounted
func (v View) Validate() error {
	if v.Name == "" {
		return fmt.Errorf("view name is required")
	}
	if v.Resource == "" {
		return fmt.Errorf("view %s: resource is required", v.Name)
	}
	if v.Kind != "" && !v.Kind.Valid() {
		return fmt.Errorf("view %s: invalid event %q", v.Name, v.Kind)
	}
	u, err := url.Parse(v.URL)
	if err != nil {
		return fmt.Errorf("view %s: invalid url: %w", v.Name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("view %s: url must be http or https, got %q", v.Name, v.URL)
	}
	return nil
}
