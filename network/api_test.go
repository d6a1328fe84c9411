package network

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bitrise-io/go-utils/v2/mocks"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestDumpRequest_HidesToken(t *testing.T) {
	req, err := retryablehttp.NewRequestWithContext(context.Background(), http.MethodPost, "https://upload.example.com/verify", []byte(`{"fileHash":"abc"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)

	dump, err := dumpRequest(req.Request, []byte(`{"fileHash":"abc"}`))
	require.NoError(t, err)

	assert.NotContains(t, string(dump), testToken)
	assert.NotContains(t, string(dump), "Authorization")
	assert.Contains(t, string(dump), `{"fileHash":"abc"}`)
	assert.Equal(t, "Bearer "+testToken, req.Header.Get("Authorization"))
}

func TestAPIClient_DebugLogsHideToken(t *testing.T) {
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer "+testToken, r.Header.Get("Authorization"))
		w.Write([]byte(`{"shouldUpload":true}`))
	}))
	defer svr.Close()

	var dumps []string
	mockLogger := new(mocks.Logger)
	mockLogger.On("Debugf", "%s request dump: %s", "verify", mock.Anything).Run(func(args mock.Arguments) {
		dumps = append(dumps, args.String(2))
	}).Return()
	mockLogger.On("Debugf", "%s response: %s", "verify", mock.Anything).Return()

	httpClient := retryablehttp.NewClient()
	httpClient.Logger = nil
	api := newAPIClient(httpClient, svr.URL, testToken, mockLogger)

	resp, err := api.verify(context.Background(), verifyRequest{FileName: "f", FileHash: "abc"})
	require.NoError(t, err)
	assert.True(t, resp.ShouldUpload)

	require.Len(t, dumps, 1)
	assert.NotContains(t, dumps[0], testToken)
	assert.Contains(t, dumps[0], `"fileHash":"abc"`)
}
