package network

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"
)

// ErrNotFound is returned when the upload API does not know the requested endpoint.
var ErrNotFound = errors.New("upload API endpoint not found")

type verifyRequest struct {
	FileName string `json:"filename"`
	FileHash string `json:"fileHash"`
}

// VerifyResponse tells whether the file has to be uploaded and which of its
// chunks the server already stores.
type VerifyResponse struct {
	ShouldUpload bool     `json:"shouldUpload"`
	UploadedList []string `json:"uploadedList"`
}

type mergeRequest struct {
	FileName string `json:"filename"`
	FileHash string `json:"fileHash"`
	Size     int64  `json:"size"`
}

type apiClient struct {
	httpClient  *retryablehttp.Client
	baseURL     string
	accessToken string
	logger      log.Logger
}

func newAPIClient(client *retryablehttp.Client, baseURL string, accessToken string, logger log.Logger) apiClient {
	return apiClient{
		httpClient:  client,
		baseURL:     baseURL,
		accessToken: accessToken,
		logger:      logger,
	}
}

func (c apiClient) verify(ctx context.Context, requestBody verifyRequest) (VerifyResponse, error) {
	var response VerifyResponse
	if err := c.postJSON(ctx, "verify", requestBody, &response); err != nil {
		return VerifyResponse{}, err
	}
	return response, nil
}

func (c apiClient) merge(ctx context.Context, requestBody mergeRequest) error {
	return c.postJSON(ctx, "merge", requestBody, nil)
}

func (c apiClient) postJSON(ctx context.Context, endpoint string, requestBody, response interface{}) error {
	url := fmt.Sprintf("%s/%s", c.baseURL, endpoint)

	body, err := json.Marshal(requestBody)
	if err != nil {
		return err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return err
	}
	for k, v := range c.authHeaders() {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-type", "application/json")

	dump, err := dumpRequest(req.Request, body)
	if err != nil {
		c.logger.Warnf("error while dumping request: %s", err)
	}
	c.logger.Debugf("%s request dump: %s", endpoint, string(dump))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			c.logger.Printf("%s", err)
		}
	}(resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s: %w", url, ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return unwrapError(resp)
	}

	if response == nil {
		return nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	c.logger.Debugf("%s response: %s", endpoint, string(data))

	return json.Unmarshal(data, response)
}

// dumpRequest renders req for debug logs without its credentials.
func dumpRequest(req *http.Request, body []byte) ([]byte, error) {
	clone := req.Clone(req.Context())
	clone.Header.Del("Authorization")
	clone.Body = io.NopCloser(bytes.NewReader(body))
	return httputil.DumpRequest(clone, true)
}

func (c apiClient) authHeaders() map[string]string {
	headers := map[string]string{}
	if c.accessToken != "" {
		headers["Authorization"] = fmt.Sprintf("Bearer %s", c.accessToken)
	}
	return headers
}

func unwrapError(resp *http.Response) error {
	errorResp, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, errorResp)
}
