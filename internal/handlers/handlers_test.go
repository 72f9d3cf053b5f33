package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"kfp-notebook-bridge/internal/handlers"
	"kfp-notebook-bridge/internal/models"
	"kfp-notebook-bridge/internal/router"
	"kfp-notebook-bridge/internal/services"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const api = "/jupyterlab-kubeflow-pipelines"

type fakeCompiler struct {
	pipelines []models.PipelineDescriptor
	compiled  *services.CompiledPipeline
	err       error
}

func (f *fakeCompiler) Inspect(ctx context.Context, source string) ([]models.PipelineDescriptor, error) {
	return f.pipelines, f.err
}

func (f *fakeCompiler) Compile(ctx context.Context, source, name string) (*services.CompiledPipeline, error) {
	return f.compiled, f.err
}

type testEnv struct {
	router   *gin.Engine
	settings *services.SettingsService
}

func newEnv(t *testing.T, compiler services.PipelineCompiler, baseURL string, packageDir string, mutate ...func(*handlers.Options)) *testEnv {
	t.Helper()
	if compiler == nil {
		compiler = &fakeCompiler{}
	}
	settings := services.NewSettingsService("kubeflow")
	opts := handlers.Options{
		RequestTimeout: 2 * time.Second,
		ProxyTimeout:   2 * time.Second,
		WatchInterval:  10 * time.Millisecond,
		BaseURL:        baseURL,
		PackageDir:     packageDir,
	}
	for _, m := range mutate {
		m(&opts)
	}
	h := handlers.NewHandler(settings, services.NewConnectivityService(time.Second, zap.NewNop()), compiler, opts)
	r := gin.New()
	router.RegisterRoutes(r, h, baseURL)
	return &testEnv{router: r, settings: settings}
}

func (e *testEnv) configure(t *testing.T, endpoint, token string) {
	t.Helper()
	_, err := e.settings.Update("default", models.SettingsRequest{
		Endpoint: &endpoint,
		Token:    models.OptionalString{Set: token != "", Value: token},
	})
	require.NoError(t, err)
}

func (e *testEnv) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if s, ok := body.(string); ok {
		buf.WriteString(s)
	} else if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestSettingsRoundTrip(t *testing.T) {
	env := newEnv(t, nil, "/", "")

	w := env.do(http.MethodGet, api+"/settings", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Nil(t, body["endpoint"])
	assert.Equal(t, "kubeflow", body["namespace"])
	assert.Equal(t, false, body["has_token"])

	w = env.do(http.MethodPost, api+"/settings", `{"endpoint":"kfp.local:8080/?x=1","namespace":" team ","token":"abc"}`)
	require.Equal(t, http.StatusOK, w.Code)
	body = decode(t, w)
	assert.Equal(t, "success", body["status"])
	cfg := body["config"].(map[string]any)
	assert.Equal(t, "http://kfp.local:8080", cfg["endpoint"])
	assert.Equal(t, "team", cfg["namespace"])
	assert.Equal(t, true, cfg["has_token"])
	assert.NotContains(t, w.Body.String(), "abc")

	w = env.do(http.MethodPost, api+"/settings", `{"namespace":"other"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["config"].(map[string]any)["has_token"])

	w = env.do(http.MethodPost, api+"/settings", `{"token":""}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["config"].(map[string]any)["has_token"])
}

func TestSettingsValidation(t *testing.T) {
	env := newEnv(t, nil, "/", "")

	w := env.do(http.MethodPost, api+"/settings", `{"endpoint":"localhost"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodPost, api+"/settings", `{"namespace":"a b"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func getSettingsAs(t *testing.T, env *testEnv, user string) map[string]any {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, api+"/settings", nil)
	req.Header.Set("X-Forwarded-User", user)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	return decode(t, w)
}

func TestSettingsArePerUserBehindTrustedProxy(t *testing.T) {
	env := newEnv(t, nil, "/", "", func(o *handlers.Options) { o.TrustForwardedUser = true })
	env.configure(t, "http://kfp:8080", "secret")

	body := getSettingsAs(t, env, "bob")
	assert.Nil(t, body["endpoint"])
	assert.Equal(t, false, body["has_token"])
}

func TestForwardedUserIgnoredByDefault(t *testing.T) {
	env := newEnv(t, nil, "/", "")
	env.configure(t, "http://kfp:8080", "")

	body := getSettingsAs(t, env, "bob")
	assert.Equal(t, "http://kfp:8080", body["endpoint"])

	req := httptest.NewRequest(http.MethodPost, api+"/settings", strings.NewReader(`{"namespace":"team"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-User", "mallory")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, "team", env.settings.Get("default").Namespace)
	assert.Equal(t, "kubeflow", env.settings.Get("mallory").Namespace)
}

func TestDebug(t *testing.T) {
	env := newEnv(t, nil, "/", "")

	w := env.do(http.MethodGet, api+"/debug", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "No endpoint configured", decode(t, w)["error"])

	kfp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer kfp.Close()
	env.configure(t, kfp.URL, "")

	w = env.do(http.MethodGet, api+"/debug", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "SUCCESS", body["connectivity"])
	assert.Equal(t, kfp.URL+"/apis/v2beta1/healthz", body["test_endpoint"])

	kfp.Close()
	w = env.do(http.MethodGet, api+"/debug", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "FAILED", decode(t, w)["connectivity"])
}

func TestProxyAPI(t *testing.T) {
	env := newEnv(t, nil, "/", "")

	w := env.do(http.MethodGet, api+"/proxy/experiments", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	kfp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/apis/v2beta1/experiments", r.URL.Path)
		assert.Equal(t, "page_size=5", r.URL.RawQuery)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"experiments":[]}`))
	}))
	defer kfp.Close()
	env.configure(t, kfp.URL, "tok")

	w = env.do(http.MethodGet, api+"/proxy/experiments?page_size=5", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.JSONEq(t, `{"experiments":[]}`, w.Body.String())
}

func TestProxyUI(t *testing.T) {
	env := newEnv(t, nil, "/", "")

	w := env.do(http.MethodGet, "/kfp-ui/index.html", nil)
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)

	kfp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			http.Redirect(w, r, "/pipeline/", http.StatusFound)
		case "/static/app.js":
			w.Header().Set("Content-Type", "text/plain")
			w.Header().Set("Set-Cookie", "a=b")
			w.Header().Set("Server", "kfp")
			_, _ = w.Write([]byte("console.log(1)"))
		}
	}))
	defer kfp.Close()
	env.configure(t, kfp.URL, "")

	w = env.do(http.MethodGet, "/kfp-ui/", nil)
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/kfp-ui/pipeline/", w.Header().Get("Location"))

	w = env.do(http.MethodGet, "/kfp-ui/static/app.js", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/javascript", w.Header().Get("Content-Type"))
	assert.Equal(t, "SAMEORIGIN", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "frame-ancestors 'self'", w.Header().Get("Content-Security-Policy"))
	assert.Empty(t, w.Header().Get("Set-Cookie"))
	assert.Empty(t, w.Header().Get("Server"))
	assert.Equal(t, "console.log(1)", w.Body.String())
}

func TestProxyUIUpstreamDown(t *testing.T) {
	env := newEnv(t, nil, "/", "")
	kfp := httptest.NewServer(http.NotFoundHandler())
	kfp.Close()
	env.configure(t, kfp.URL, "")

	w := env.do(http.MethodGet, "/kfp-ui/", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.NotEmpty(t, decode(t, w)["error"])
}

func TestRewriteLocation(t *testing.T) {
	assert.Equal(t, "/u/kfp-ui/pipeline", handlers.RewriteLocation("http://kfp:8080/pipeline", "http://kfp:8080", "/u/kfp-ui"))
	assert.Equal(t, "/u/kfp-ui/x", handlers.RewriteLocation("/x", "http://kfp:8080", "/u/kfp-ui/"))
	assert.Equal(t, "https://dex/login", handlers.RewriteLocation("https://dex/login", "http://kfp:8080", "/u/kfp-ui"))
}

func TestRootRedirect(t *testing.T) {
	env := newEnv(t, nil, "/user/alice/", "")

	w := env.do(http.MethodPost, "/ml_metadata.MetadataStoreService/GetArtifacts?x=1", nil)
	assert.Equal(t, http.StatusTemporaryRedirect, w.Code)
	assert.Equal(t, "/user/alice/ml_metadata.MetadataStoreService/GetArtifacts?x=1", w.Header().Get("Location"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
}

func TestBaseURLWithoutLeadingSlash(t *testing.T) {
	env := newEnv(t, nil, "user/alice", "")
	kfp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(r.URL.Path))
	}))
	defer kfp.Close()
	env.configure(t, kfp.URL, "")

	w := env.do(http.MethodGet, "/system/project-id", nil)
	assert.Equal(t, http.StatusTemporaryRedirect, w.Code)
	assert.Equal(t, "/user/alice/system/project-id", w.Header().Get("Location"))

	w = env.do(http.MethodGet, "/user/alice/system/project-id", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "/system/project-id", w.Body.String())
}

func TestRootPathsProxiedUnderMount(t *testing.T) {
	env := newEnv(t, nil, "/user/alice/", "")
	kfp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(r.URL.Path))
	}))
	defer kfp.Close()
	env.configure(t, kfp.URL, "")

	w := env.do(http.MethodGet, "/user/alice/system/project-id", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "/system/project-id", w.Body.String())
}

func TestCompile(t *testing.T) {
	desc := "demo"
	compiler := &fakeCompiler{pipelines: []models.PipelineDescriptor{{Name: "hello", Description: &desc}}}
	env := newEnv(t, compiler, "/", "")

	w := env.do(http.MethodPost, api+"/kfp/compile", `{"source_code":""}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "No source_code provided", decode(t, w)["error"])

	w = env.do(http.MethodPost, api+"/kfp/compile", `{"source_code":"x","action":"explode"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodPost, api+"/kfp/compile", `{"source_code":"x"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["pipelines"], 1)

	compiler.pipelines, compiler.err = nil, services.ErrNoPipelines
	w = env.do(http.MethodPost, api+"/kfp/compile", `{"source_code":"x"}`)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Empty(t, body["pipelines"])
	assert.Equal(t, services.ErrNoPipelines.Error(), body["error"])

	compiler.err = fmt.Errorf("%w: missing", services.ErrPipelineNotFound)
	w = env.do(http.MethodPost, api+"/kfp/compile", `{"source_code":"x","action":"compile","pipeline_name":"nope"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Pipeline 'nope' not found.", decode(t, w)["error"])

	compiler.err = nil
	compiler.compiled = &services.CompiledPipeline{PipelineName: "hello", PackagePath: "/tmp/p.yaml", YAML: "a: 1"}
	w = env.do(http.MethodPost, api+"/kfp/compile", `{"source_code":"x","action":"compile"}`)
	require.Equal(t, http.StatusOK, w.Code)
	body = decode(t, w)
	assert.Equal(t, "compiled", body["status"])
	assert.Equal(t, "/tmp/p.yaml", body["package_path"])
}

func TestSubmit(t *testing.T) {
	dir := t.TempDir()
	env := newEnv(t, nil, "/", dir)

	w := env.do(http.MethodPost, api+"/kfp/submit", `{"pipeline_yaml":"a: 1"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var got map[string]any
	kfp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"run_id":"r-1"}`))
	}))
	defer kfp.Close()
	env.configure(t, kfp.URL+"/pipeline", "")

	w = env.do(http.MethodPost, api+"/kfp/submit", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodPost, api+"/kfp/submit", `{"package_path":"/does/not/exist.yaml"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decode(t, w)["error"], "Pipeline file not found")

	pkg := filepath.Join(dir, "p.yaml")
	require.NoError(t, os.WriteFile(pkg, []byte("pipelineInfo:\n  name: hello\n"), 0o600))

	w = env.do(http.MethodPost, api+"/kfp/submit", map[string]any{"package_path": pkg, "params": map[string]any{"n": 1}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "r-1", body["run_id"])
	assert.Equal(t, "Notebook Run", body["run_name"])
	assert.Equal(t, kfp.URL+"/#/runs/details/r-1", body["url"])
	assert.Equal(t, "Notebook Run", got["display_name"])
	_, err := os.Stat(pkg)
	assert.True(t, os.IsNotExist(err))
}

func TestImportPipeline(t *testing.T) {
	env := newEnv(t, nil, "/", "")

	w := env.do(http.MethodPost, api+"/kfp/pipelines/import", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Invalid JSON body", decode(t, w)["error"])

	w = env.do(http.MethodPost, api+"/kfp/pipelines/import", `{"pipeline_name":"x"}`)
	assert.Equal(t, "pipeline_yaml is required", decode(t, w)["error"])

	w = env.do(http.MethodPost, api+"/kfp/pipelines/import", `{"pipeline_yaml":"a: 1"}`)
	assert.Equal(t, "pipeline_name is required", decode(t, w)["error"])

	kfp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/apis/v2beta1/pipelines":
			_, _ = w.Write([]byte(`{"pipelines":[{"pipeline_id":"p-1","display_name":"taken"}]}`))
		case r.URL.Path == "/apis/v2beta1/pipelines/upload":
			_, _ = w.Write([]byte(`{"pipeline_id":"p-2","display_name":"fresh"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer kfp.Close()
	env.configure(t, kfp.URL, "")

	w = env.do(http.MethodPost, api+"/kfp/pipelines/import", `{"pipeline_name":"taken","pipeline_yaml":"a: 1"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	body := decode(t, w)
	assert.Equal(t, "p-1", body["pipeline_id"])
	assert.Equal(t, "taken", body["pipeline_name"])

	w = env.do(http.MethodPost, api+"/kfp/pipelines/import", `{"pipeline_name":" fresh ","pipeline_yaml":"a: 1"}`)
	require.Equal(t, http.StatusOK, w.Code)
	body = decode(t, w)
	assert.Equal(t, "p-2", body["pipeline_id"])
	assert.Equal(t, "fresh", body["pipeline_name"])
	assert.Equal(t, kfp.URL+"/#/pipelines/details/p-2", body["url"])
}

func TestRuns(t *testing.T) {
	env := newEnv(t, nil, "/", "")
	kfp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/apis/v2beta1/runs/r-1":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"run_id":"r-1","state":"RUNNING"}`))
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/runs/r-1:terminate"):
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
	defer kfp.Close()
	env.configure(t, kfp.URL, "")

	w := env.do(http.MethodGet, api+"/runs/r-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"run_id":"r-1","state":"RUNNING"}`, w.Body.String())

	w = env.do(http.MethodPost, api+"/runs/r-1:terminate", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","run_id":"r-1"}`, w.Body.String())

	w = env.do(http.MethodPost, api+"/runs/r-1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

type scriptedRuns struct {
	states []string
	calls  int
}

func (s *scriptedRuns) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	i := s.calls
	if i >= len(s.states) {
		i = len(s.states) - 1
	}
	s.calls++
	return &models.Run{RunID: runID, State: s.states[i]}, nil
}

func TestWatchRunEvents(t *testing.T) {
	runs := &scriptedRuns{states: []string{"PENDING", "PENDING", "RUNNING", "SUCCEEDED"}}

	var states []string
	for ev := range handlers.WatchRunEvents(context.Background(), runs, "r-1", time.Millisecond) {
		states = append(states, ev.State)
		if ev.State == "SUCCEEDED" {
			assert.True(t, ev.Terminal)
		}
	}
	assert.Equal(t, []string{"PENDING", "RUNNING", "SUCCEEDED"}, states)
}

func TestHealthz(t *testing.T) {
	env := newEnv(t, nil, "/", "")
	w := env.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
