package render

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/font/gofont/goregular"
)

func TestShape(t *testing.T) {
	cases := map[string]struct{ in, want string }{
		"lam alef final":    {"سلام", "\uFEB3\uFEFC\uFEE1"},
		"dual joining":      {"بيت", "\uFE91\uFEF4\uFE96"},
		"right joining":     {"دار", "\uFEA9\uFE8D\uFEAD"},
		"harakat":           {"بَت", "\uFE91\u064E\uFE96"},
		"isolated lam alef": {"لا", "\uFEFB"},
		"latin untouched":   {"go 1.24", "go 1.24"},
		"persian letters":   {"پک", "\uFB58\uFB8F"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, Shape(tc.in))
		})
	}
}

func TestVisual(t *testing.T) {
	assert.Equal(t, "\uFEE1\uFEFC\uFEB3", Visual("\uFEB3\uFEFC\uFEE1"))
	assert.Equal(t, "ب 123 ع", Visual("ع 123 ب"))
	assert.Equal(t, "(ع)", Visual("(ع)"))
	assert.Equal(t, "hello, world.", Visual("hello, world."))
}

type stubRenderer struct {
	calls atomic.Int32
	art   Artifact
	err   error
}

func (s *stubRenderer) Render(ctx context.Context, text string) (Artifact, error) {
	s.calls.Add(1)
	return s.art, s.err
}

func TestManagerFallsBackInOrder(t *testing.T) {
	remote := &stubRenderer{err: errors.New("quota exceeded")}
	card := &stubRenderer{art: Artifact{Data: []byte("png"), Name: "card.png"}}
	m := NewManager(
		Provider{Name: "remote", Renderer: remote, MinRunes: 1, MaxRunes: 300},
		Provider{Name: "card", Renderer: card, MinRunes: 1, MaxRunes: 300},
	)

	art, err := m.Render(context.Background(), "  بيت  ")
	require.NoError(t, err)
	assert.Equal(t, "card.png", art.Name)
	assert.Equal(t, int32(1), remote.calls.Load())
	assert.Equal(t, int32(1), card.calls.Load())

	// Cached: no provider is called again for the same text.
	_, err = m.Render(context.Background(), "بيت")
	require.NoError(t, err)
	assert.Equal(t, int32(1), card.calls.Load())
}

func TestManagerWindows(t *testing.T) {
	short := &stubRenderer{art: Artifact{URL: "https://img/1"}}
	m := NewManager(Provider{Name: "short", Renderer: short, MinRunes: 1, MaxRunes: 5})

	assert.True(t, m.Accepts("بيت"))
	assert.False(t, m.Accepts("هذا نص طويل"))
	assert.False(t, m.Accepts(""))

	_, err := m.Render(context.Background(), "هذا نص طويل")
	var rerr *RenderError
	require.ErrorAs(t, err, &rerr)
	assert.ErrorIs(t, err, ErrTextLength)
	assert.Zero(t, short.calls.Load())
}

func TestManagerEmptyArtifactIsFailure(t *testing.T) {
	m := NewManager(Provider{Name: "blank", Renderer: &stubRenderer{}, MaxRunes: 0})
	_, err := m.Render(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNoImage)
	assert.Contains(t, err.Error(), "blank")
}

func TestManagerNoProviders(t *testing.T) {
	_, err := NewManager().Render(context.Background(), "x")
	assert.EqualError(t, err, "render: no providers configured")
}

func decodePNG(t *testing.T, data []byte) image.Image {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	return img
}

func TestCardRendererDrawsCard(t *testing.T) {
	c := NewCardRenderer(CardOptions{FontData: goregular.TTF, Footer: "Rwaea3"})
	art, err := c.Render(context.Background(), "Words are wind")
	require.NoError(t, err)
	assert.Equal(t, "card.png", art.Name)

	img := decodePNG(t, art.Data)
	assert.Equal(t, image.Rect(0, 0, CardWidth, CardHeight), img.Bounds())

	// Corner keeps the background colour, the text block is drawn over it.
	r, g, b, _ := img.At(5, 5).RGBA()
	assert.Equal(t, [3]uint32{245, 240, 230}, [3]uint32{r >> 8, g >> 8, b >> 8})
	drawn := false
	for x := marginSide; x < CardWidth-marginSide && !drawn; x += 2 {
		for y := marginTop; y < CardHeight-marginBottom; y += 2 {
			if cr, _, _, _ := img.At(x, y).RGBA(); cr>>8 < 200 {
				drawn = true
				break
			}
		}
	}
	assert.True(t, drawn, "expected dark text pixels inside the safe area")
}

func TestCardRendererRejectsEmptyText(t *testing.T) {
	c := NewCardRenderer(CardOptions{FontData: goregular.TTF})
	_, err := c.Render(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrNoImage)
}

func TestCardRendererScalesTemplate(t *testing.T) {
	dir := t.TempDir()
	tpl := image.NewRGBA(image.Rect(0, 0, 108, 135))
	for x := 0; x < 108; x++ {
		for y := 0; y < 135; y++ {
			tpl.Set(x, y, color.RGBA{10, 120, 200, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, tpl))
	path := filepath.Join(dir, "template.png")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))

	c := NewCardRenderer(CardOptions{FontData: goregular.TTF, TemplatePath: path})
	art, err := c.Render(context.Background(), "نص")
	require.NoError(t, err)
	img := decodePNG(t, art.Data)
	assert.Equal(t, CardWidth, img.Bounds().Dx())
	_, _, b, _ := img.At(3, 3).RGBA()
	assert.InDelta(t, 200, b>>8, 3)
}

func TestCardRendererLongTextShrinks(t *testing.T) {
	c := NewCardRenderer(CardOptions{FontData: goregular.TTF})
	long := strings.Repeat("كلمة ", 120)
	art, err := c.Render(context.Background(), long)
	require.NoError(t, err)
	assert.NotEmpty(t, art.Data)
}

func TestFontDownloadAndCache(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write(goregular.TTF)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "assets", "font.ttf")
	// A truncated file must be replaced.
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte("broken"), 0o600))

	c := NewCardRenderer(CardOptions{FontPath: path, FontURL: srv.URL + "/font.ttf"})
	_, err := c.EnsureFont(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())

	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(goregular.TTF)), st.Size())

	// A second renderer reads the cached copy.
	c2 := NewCardRenderer(CardOptions{FontPath: path, FontURL: srv.URL + "/font.ttf"})
	_, err = c2.EnsureFont(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())
}

func TestFontFallbackRetriesDownload(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			http.Error(w, "gone", http.StatusNotFound)
			return
		}
		_, _ = w.Write(goregular.TTF)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "font.ttf")
	c := NewCardRenderer(CardOptions{FontPath: path, FontURL: srv.URL})
	f, err := c.EnsureFont(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, f)
	assert.NoFileExists(t, path)

	_, err = c.EnsureFont(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
	assert.FileExists(t, path)

	// Loaded for real this time, so no further downloads.
	_, err = c.EnsureFont(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestCardRendererArabicWithoutFont(t *testing.T) {
	c := NewCardRenderer(CardOptions{FontPath: filepath.Join(t.TempDir(), "missing.ttf")})
	art, err := c.Render(context.Background(), "\u0645\u0631\u062D\u0628\u0627 \u0628\u0627\u0644\u0639\u0627\u0644\u0645")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoImage)
	assert.True(t, art.Empty())

	// Latin text is still drawable with the fallback font.
	art, err = c.Render(context.Background(), "Words are wind")
	require.NoError(t, err)
	assert.NotEmpty(t, art.Data)
}

func TestCardRendererAllowsMissingEmoji(t *testing.T) {
	c := NewCardRenderer(CardOptions{FontData: goregular.TTF})
	art, err := c.Render(context.Background(), "Words are wind \U0001F343")
	require.NoError(t, err)
	assert.NotEmpty(t, art.Data)
}

func TestRemoteRenderer(t *testing.T) {
	pngBytes := func() []byte {
		var buf bytes.Buffer
		_ = png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 2, 2)))
		return buf.Bytes()
	}()

	cases := []struct {
		name    string
		handler http.HandlerFunc
		check   func(t *testing.T, art Artifact, err error)
	}{
		{
			name: "image body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "image/png")
				_, _ = w.Write(pngBytes)
			},
			check: func(t *testing.T, art Artifact, err error) {
				require.NoError(t, err)
				assert.Equal(t, pngBytes, art.Data)
				assert.Equal(t, "design.png", art.Name)
			},
		},
		{
			name: "json url",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewEncoder(w).Encode(map[string]any{"images": []map[string]string{{"url": "https://cdn/x.jpg"}}})
			},
			check: func(t *testing.T, art Artifact, err error) {
				require.NoError(t, err)
				assert.Equal(t, "https://cdn/x.jpg", art.URL)
			},
		},
		{
			name: "json base64",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewEncoder(w).Encode(map[string]string{"image_base64": base64.StdEncoding.EncodeToString(pngBytes)})
			},
			check: func(t *testing.T, art Artifact, err error) {
				require.NoError(t, err)
				assert.Equal(t, pngBytes, art.Data)
			},
		},
		{
			name: "no content",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNoContent)
			},
			check: func(t *testing.T, _ Artifact, err error) {
				assert.ErrorIs(t, err, ErrNoImage)
			},
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "model overloaded", http.StatusServiceUnavailable)
			},
			check: func(t *testing.T, _ Artifact, err error) {
				assert.ErrorContains(t, err, "http 503: model overloaded")
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()
			art, err := NewRemoteRenderer(srv.URL, "", time.Second).Render(context.Background(), "حكمة")
			tc.check(t, art, err)
		})
	}
}

func TestRemoteRendererSendsPromptAndToken(t *testing.T) {
	var got remoteRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(map[string]string{"url": "https://cdn/y.jpg"})
	}))
	defer srv.Close()

	_, err := NewRemoteRenderer(srv.URL, "secret", time.Second).Render(context.Background(), "العلم نور")
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, "العلم نور", got.Text)
	assert.Contains(t, got.Prompt, "minimalist poster")
}

func TestPrompt(t *testing.T) {
	assert.Contains(t, Prompt("قصيدة طويلة جدا عن الحب والحياة والأمل، والصبر."), "calligraphy")
	assert.Contains(t, Prompt("كلمة"), "minimalist")
	assert.Contains(t, Prompt("واحد اثنان ثلاثة أربعة خمسة ستة سبعة"), "mixed media")
}
