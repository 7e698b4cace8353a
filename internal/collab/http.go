package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Endpoints configures where the external collaborators listen. Each backend
// exposes a small JSON API; the orchestrator only knows these three routes.
type Endpoints struct {
	ProvisionerURL string // POST /containers
	IdentityURL    string // POST /applications
	ConfigURL      string // POST /apply/{service}
	Token          string // bearer token for all three, resolved by the caller
}

// NewHTTPSet builds collaborators that speak JSON over HTTP. Responses with
// 5xx status or transport errors count as transient; 4xx is a permanent
// rejection.
func NewHTTPSet(endpoints Endpoints) *Set {
	client := &http.Client{Timeout: 60 * time.Second}
	return &Set{
		Provisioner:   &httpProvisioner{client: client, endpoints: endpoints},
		Identity:      &httpIdentity{client: client, endpoints: endpoints},
		ConfigApplier: &httpApplier{client: client, endpoints: endpoints},
	}
}

type httpProvisioner struct {
	client    *http.Client
	endpoints Endpoints
}

func (p *httpProvisioner) CreateOrUpdate(ctx context.Context, spec ContainerSpec) (ProvisionResult, error) {
	var result ProvisionResult
	err := postJSON(ctx, p.client, p.endpoints.ProvisionerURL+"/containers", p.endpoints.Token, spec, &result)
	if err != nil {
		return ProvisionResult{}, fmt.Errorf("provisioner rejected %s: %w", spec.Name, err)
	}
	return result, nil
}

type httpIdentity struct {
	client    *http.Client
	endpoints Endpoints
}

func (i *httpIdentity) RegisterApplication(ctx context.Context, spec RegistrationSpec) (RegistrationResult, error) {
	var result RegistrationResult
	err := postJSON(ctx, i.client, i.endpoints.IdentityURL+"/applications", i.endpoints.Token, spec, &result)
	if err != nil {
		return RegistrationResult{}, fmt.Errorf("identity provider rejected %s: %w", spec.Service, err)
	}
	return result, nil
}

type httpApplier struct {
	client    *http.Client
	endpoints Endpoints
}

func (a *httpApplier) Apply(ctx context.Context, service string, payload []byte) error {
	url := a.endpoints.ConfigURL + "/apply/" + service
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return Fatal(err)
	}
	req.Header.Set("Content-Type", "application/yaml")
	setAuth(req, a.endpoints.Token)

	resp, err := a.client.Do(req)
	if err != nil {
		return Transient(err)
	}
	defer resp.Body.Close()
	return statusError(resp)
}

func postJSON(ctx context.Context, client *http.Client, url, token string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return Fatal(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	setAuth(req, token)

	resp, err := client.Do(req)
	if err != nil {
		return Transient(err)
	}
	defer resp.Body.Close()

	if err := statusError(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return Transient(fmt.Errorf("undecodable response: %w", err))
	}
	return nil
}

func setAuth(req *http.Request, token string) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func statusError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("%s: %s", resp.Status, bytes.TrimSpace(snippet))
	if resp.StatusCode >= 500 {
		return Transient(err)
	}
	return Fatal(err)
}
