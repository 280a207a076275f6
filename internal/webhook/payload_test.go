package webhook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"enhancer/internal/domain"
)

func TestExtractVariantURLsStrategyOrder(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		want     []string
		strategy string
	}{
		{
			name:     "variants objects",
			body:     `{"status":"completed","variants":[{"url":"https://cdn/a.png"},{"imageUrl":"https://cdn/b.png"}]}`,
			want:     []string{"https://cdn/a.png", "https://cdn/b.png"},
			strategy: "variants",
		},
		{
			name:     "variants win over urls",
			body:     `{"variants":["https://cdn/v.png"],"urls":["https://cdn/u.png"]}`,
			want:     []string{"https://cdn/v.png"},
			strategy: "variants",
		},
		{name: "urls", body: `{"urls":["https://cdn/1.png","https://cdn/2.png"]}`, want: []string{"https://cdn/1.png", "https://cdn/2.png"}, strategy: "urls"},
		{name: "enhanced image", body: `{"enhancedImageUrl":"https://cdn/e.png"}`, want: []string{"https://cdn/e.png"}, strategy: "enhancedImageUrl"},
		{name: "result url", body: `{"result":{"url":"https://cdn/r.png"}}`, want: []string{"https://cdn/r.png"}, strategy: "result"},
		{name: "result image url", body: `{"result":{"imageUrl":"https://cdn/ri.png"}}`, want: []string{"https://cdn/ri.png"}, strategy: "result"},
		{name: "data url", body: `{"data":{"imageUrl":"https://cdn/d.png"}}`, want: []string{"https://cdn/d.png"}, strategy: "data"},
		{name: "output url", body: `{"output":{"url":"https://cdn/o.png"}}`, want: []string{"https://cdn/o.png"}, strategy: "output"},
		{name: "bare json string", body: `"https://cdn/bare.png"`, want: []string{"https://cdn/bare.png"}, strategy: "bare"},
		{name: "bare text", body: `https://cdn/text.png`, want: []string{"https://cdn/text.png"}, strategy: "bare"},
		{name: "empty variants fall through", body: `{"variants":[],"output":{"url":"https://cdn/o.png"}}`, want: []string{"https://cdn/o.png"}, strategy: "output"},
		{name: "non url ignored", body: `{"enhancedImageUrl":"not a url"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cb, err := ParseCallback([]byte(tc.body))
			if tc.want == nil {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, cb.URLs)
			assert.Equal(t, tc.strategy, cb.Strategy)
			assert.Equal(t, domain.JobStatusCompleted, cb.Status)
		})
	}
}

func TestParseCallbackStatusAliases(t *testing.T) {
	tests := map[string]domain.JobStatus{
		"processing": domain.JobStatusRendering,
		"SUCCEEDED":  domain.JobStatusCompleted,
		"done":       domain.JobStatusCompleted,
		"error":      domain.JobStatusFailed,
		"cancelled":  domain.JobStatusCanceled,
		"uploading":  domain.JobStatusUploading,
	}
	for raw, want := range tests {
		cb, err := ParseCallback([]byte(`{"status":"` + raw + `"}`))
		require.NoError(t, err, raw)
		assert.Equal(t, want, cb.Status, raw)
	}

	_, err := ParseCallback([]byte(`{"status":"melting"}`))
	var verr *domain.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestParseCallbackFields(t *testing.T) {
	cb, err := ParseCallback([]byte(`{"status":"rendering","progress":62.4,"stage":"denoise"}`))
	require.NoError(t, err)
	require.NotNil(t, cb.Progress)
	assert.Equal(t, 62, *cb.Progress)
	assert.Equal(t, "denoise", cb.Stage)

	cb, err = ParseCallback([]byte(`{"status":"failed","error":{"message":"gpu lost","code":"oom"}}`))
	require.NoError(t, err)
	assert.Equal(t, "gpu lost", cb.ErrorMessage)
	assert.Equal(t, "oom", cb.ErrorCode)

	cb, err = ParseCallback([]byte(`{"error":"timeout"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, cb.Status)

	_, err = ParseCallback([]byte(`   `))
	assert.Error(t, err)
}
