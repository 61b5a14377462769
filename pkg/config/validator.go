package config

import (
	"fmt"
	"net/url"
)

// validate checks cross-field coherence after defaults are applied.
// External service base URLs are required: the engine cannot filter,
// fetch tokens, or send without them.
func (c *Config) validate() error {
	if c.Store.DeepLinkRootHost == "" {
		return &FieldError{Field: "store.deep_link_root_host", Err: ErrMissingRequiredField}
	}
	if err := requireBaseURL("cadence.base_url", c.Cadence.BaseURL); err != nil {
		return err
	}
	if err := requireBaseURL("tokens.base_url", c.Tokens.BaseURL); err != nil {
		return err
	}
	if err := requireBaseURL("transport.base_url", c.Transport.BaseURL); err != nil {
		return err
	}
	if c.Engine.WorkerCount > 64 {
		return &FieldError{Field: "engine.worker_count",
			Err: fmt.Errorf("%w: %d exceeds maximum 64", ErrInvalidValue, c.Engine.WorkerCount)}
	}
	return nil
}

func requireBaseURL(field, value string) error {
	if value == "" {
		return &FieldError{Field: field, Err: ErrMissingRequiredField}
	}
	u, err := url.Parse(value)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return &FieldError{Field: field,
			Err: fmt.Errorf("%w: %q is not an absolute URL", ErrInvalidValue, value)}
	}
	return nil
}
