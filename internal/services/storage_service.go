package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// StorageService signs direct client uploads and downloads against the
// object store. The server never handles attachment bytes.
type StorageService interface {
	CreateUploadURL(ctx context.Context, objectPath string) (string, error)
	SignedDownloadURL(ctx context.Context, objectPath string, expiresIn time.Duration) (string, error)
	ObjectPath(fileURL string) (string, error)
}

type SupabaseStorageService struct {
	baseURL    string
	bucket     string
	serviceKey string
	httpClient *http.Client
}

func NewSupabaseStorageService(baseURL, bucket, serviceKey string) *SupabaseStorageService {
	return &SupabaseStorageService{
		baseURL:    strings.TrimRight(baseURL, "/"),
		bucket:     bucket,
		serviceKey: serviceKey,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

func (s *SupabaseStorageService) CreateUploadURL(ctx context.Context, objectPath string) (string, error) {
	signURL := fmt.Sprintf("%s/storage/v1/object/upload/sign/%s/%s", s.baseURL, s.bucket, strings.TrimLeft(objectPath, "/"))

	var response struct {
		URL string `json:"url"`
	}
	if err := s.postJSON(ctx, signURL, map[string]any{}, &response); err != nil {
		return "", fmt.Errorf("create upload url: %w", err)
	}
	if response.URL == "" {
		return "", fmt.Errorf("create upload url: url missing from response")
	}
	return s.baseURL + "/storage/v1" + response.URL, nil
}

func (s *SupabaseStorageService) SignedDownloadURL(ctx context.Context, objectPath string, expiresIn time.Duration) (string, error) {
	signURL := fmt.Sprintf("%s/storage/v1/object/sign/%s/%s", s.baseURL, s.bucket, strings.TrimLeft(objectPath, "/"))

	var response struct {
		SignedURL string `json:"signedURL"`
	}
	payload := map[string]int{"expiresIn": int(expiresIn.Seconds())}
	if err := s.postJSON(ctx, signURL, payload, &response); err != nil {
		return "", fmt.Errorf("get signed url: %w", err)
	}
	if response.SignedURL == "" {
		return "", fmt.Errorf("get signed url: signed url missing from response")
	}
	return s.baseURL + "/storage/v1" + response.SignedURL, nil
}

// ObjectPath extracts the object path from a public, signed or plain object
// URL of the configured bucket.
func (s *SupabaseStorageService) ObjectPath(fileURL string) (string, error) {
	parsed, err := url.Parse(fileURL)
	if err != nil {
		return "", fmt.Errorf("parse file url: %w", err)
	}
	if base, err := url.Parse(s.baseURL); err == nil && base.Host != "" && parsed.Host != base.Host {
		return "", fmt.Errorf("file url host %q does not match storage host", parsed.Host)
	}

	prefixes := []string{
		"/storage/v1/object/public/" + s.bucket + "/",
		"/storage/v1/object/upload/sign/" + s.bucket + "/",
		"/storage/v1/object/sign/" + s.bucket + "/",
		"/storage/v1/object/" + s.bucket + "/",
	}
	for _, prefix := range prefixes {
		if strings.HasPrefix(parsed.Path, prefix) {
			return strings.TrimPrefix(parsed.Path, prefix), nil
		}
	}
	return "", fmt.Errorf("file url does not belong to configured bucket")
}

func (s *SupabaseStorageService) postJSON(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)
	req.Header.Set("apikey", s.serviceKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		responseBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(responseBody)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
