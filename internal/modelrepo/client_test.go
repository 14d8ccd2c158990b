package modelrepo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shepherd-project/modelfetch/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClientDefaults(t *testing.T) {
	client := NewClient(Options{HuggingFaceEndpoint: "https://hf-mirror.com/"})
	require.NotNil(t, client.httpClient)
	assert.Equal(t, "https://hf-mirror.com", client.opts.HuggingFaceEndpoint)
	assert.Equal(t, DefaultModelScopeEndpoint, client.opts.ModelScopeEndpoint)
}

func TestFileURL(t *testing.T) {
	client := NewClient(Options{})

	tests := []struct {
		name    string
		src     registry.Source
		file    string
		want    string
		wantErr error
	}{
		{
			name: "huggingface",
			src:  registry.Source{Kind: registry.SourceHuggingFace, Location: "FunAudioLLM/CosyVoice2-0.5B"},
			file: "CosyVoice-BlankEN/config.json",
			want: "https://huggingface.co/FunAudioLLM/CosyVoice2-0.5B/resolve/main/CosyVoice-BlankEN/config.json",
		},
		{
			name: "modelscope",
			src:  registry.Source{Kind: registry.SourceModelScope, Location: "iic/CosyVoice2-0.5B"},
			file: "CosyVoice-BlankEN/config.json",
			want: "https://www.modelscope.cn/api/v1/models/iic/CosyVoice2-0.5B/repo?Revision=master&FilePath=CosyVoice-BlankEN%2Fconfig.json",
		},
		{
			name: "http mirror escapes segments",
			src:  registry.Source{Kind: registry.SourceHTTP, Location: "https://mirror.example.com/cv2/"},
			file: "dir/file name.bin",
			want: "https://mirror.example.com/cv2/dir/file%20name.bin",
		},
		{
			name:    "local mirror",
			src:     registry.Source{Kind: registry.SourceFile, Location: "/srv/mirror"},
			file:    "llm.pt",
			wantErr: ErrNotRemote,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := client.FileURL(tt.src, tt.file)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewRequestHeaders(t *testing.T) {
	client := NewClient(Options{HuggingFaceToken: "hf_secret", UserAgent: "modelfetch-test"})
	ctx := context.Background()

	hf := registry.Source{Kind: registry.SourceHuggingFace, Location: "org/repo"}
	req, err := client.NewRequest(ctx, http.MethodGet, hf, "llm.pt", 1024)
	require.NoError(t, err)
	assert.Equal(t, "Bearer hf_secret", req.Header.Get("Authorization"))
	assert.Equal(t, "bytes=1024-", req.Header.Get("Range"))
	assert.Equal(t, "modelfetch-test", req.Header.Get("User-Agent"))

	ms := registry.Source{Kind: registry.SourceModelScope, Location: "org/repo"}
	req, err = client.NewRequest(ctx, http.MethodGet, ms, "llm.pt", 0)
	require.NoError(t, err)
	assert.Empty(t, req.Header.Get("Authorization"), "token is only sent to huggingface")
	assert.Empty(t, req.Header.Get("Range"))
}

func TestRemoteSize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/base/missing.bin" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Length", "4096")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(Options{})
	src := registry.Source{Kind: registry.SourceHTTP, Location: srv.URL + "/base"}

	size, err := client.RemoteSize(context.Background(), src, "llm.pt")
	require.NoError(t, err)
	assert.Equal(t, int64(4096), size)

	_, err = client.RemoteSize(context.Background(), src, "missing.bin")
	assert.Error(t, err)
}

func TestParseRepoID(t *testing.T) {
	owner, model, err := ParseRepoID("iic/CosyVoice2-0.5B")
	require.NoError(t, err)
	assert.Equal(t, "iic", owner)
	assert.Equal(t, "CosyVoice2-0.5B", model)

	_, _, err = ParseRepoID("no-slash")
	assert.Error(t, err)
}
