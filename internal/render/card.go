package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/nfnt/resize"
	"github.com/rs/zerolog/log"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/font/sfnt"
	"golang.org/x/image/math/fixed"
	_ "golang.org/x/image/webp"
)

const (
	CardWidth  = 1080
	CardHeight = 1350

	marginTop    = 300
	marginBottom = 300
	marginSide   = 180
	footerSize   = 32
	footerOffset = 200

	// Smaller files are treated as truncated downloads.
	minFontBytes = 50_000
)

var (
	colorBackground = color.RGBA{245, 240, 230, 255}
	colorText       = color.RGBA{45, 25, 10, 255}
	colorFooter     = color.RGBA{110, 90, 70, 255}
)

type CardOptions struct {
	FontPath     string
	FontURL      string
	TemplatePath string
	Footer       string
	// FontData, when set, is used instead of FontPath.
	FontData []byte
	Fetcher  *Fetcher
}

// CardRenderer draws text centred on a portrait card with an optional
// background template.
type CardRenderer struct {
	opt CardOptions

	mu   sync.Mutex
	font *opentype.Font
	bg   image.Image
}

func NewCardRenderer(opt CardOptions) *CardRenderer {
	if opt.Fetcher == nil {
		opt.Fetcher = NewFetcher(nil)
	}
	return &CardRenderer{opt: opt}
}

// fontSize picks the body size by text length.
func fontSize(runes int) float64 {
	switch {
	case runes < 50:
		return 100
	case runes < 100:
		return 80
	case runes < 200:
		return 65
	}
	return 50
}

// EnsureFont loads the font, downloading it when the local copy is missing
// or truncated. Without any usable font it returns Go Regular, which is not
// cached so the next call retries the load.
func (c *CardRenderer) EnsureFont(ctx context.Context) (*opentype.Font, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.font != nil {
		return c.font, nil
	}

	data, err := c.fontBytes(ctx)
	if err == nil {
		f, perr := opentype.Parse(data)
		if perr == nil {
			c.font = f
			return f, nil
		}
		err = perr
		if c.opt.FontData == nil && c.opt.FontPath != "" {
			_ = os.Remove(c.opt.FontPath)
		}
	}
	log.Warn().Err(err).Str("font_path", c.opt.FontPath).Msg("font unavailable, using fallback")
	f, ferr := opentype.Parse(goregular.TTF)
	if ferr != nil {
		return nil, errors.Join(err, ferr)
	}
	return f, nil
}

// missingGlyph reports the first letter, digit or punctuation rune of text
// that f cannot draw. Symbols and marks such as emoji are not required.
func missingGlyph(f *opentype.Font, text string) (rune, bool) {
	var buf sfnt.Buffer
	for _, r := range text {
		if unicode.IsSpace(r) || unicode.In(r, unicode.Cf, unicode.Mn, unicode.So, unicode.Sk) {
			continue
		}
		idx, err := f.GlyphIndex(&buf, r)
		if err != nil || idx == 0 {
			return r, true
		}
	}
	return 0, false
}

func (c *CardRenderer) fontBytes(ctx context.Context) ([]byte, error) {
	if c.opt.FontData != nil {
		return c.opt.FontData, nil
	}
	if c.opt.FontPath == "" {
		return nil, errors.New("no font path configured")
	}
	if st, err := os.Stat(c.opt.FontPath); err == nil && st.Size() >= minFontBytes {
		return os.ReadFile(c.opt.FontPath)
	}
	if c.opt.FontURL == "" {
		return nil, fmt.Errorf("font %s missing and no font_url set", c.opt.FontPath)
	}

	log.Info().Str("url", c.opt.FontURL).Msg("downloading font")
	data, err := c.opt.Fetcher.Get(ctx, c.opt.FontURL)
	if err != nil {
		return nil, fmt.Errorf("download font: %w", err)
	}
	if len(data) < minFontBytes {
		return nil, fmt.Errorf("downloaded font too small (%d bytes)", len(data))
	}
	if err := writeFileAtomic(c.opt.FontPath, data); err != nil {
		log.Warn().Err(err).Msg("cache font")
	}
	return data, nil
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (c *CardRenderer) background() image.Image {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bg != nil {
		return c.bg
	}
	if c.opt.TemplatePath != "" {
		img, err := loadTemplate(c.opt.TemplatePath)
		if err == nil {
			c.bg = img
			return img
		}
		log.Warn().Err(err).Str("template", c.opt.TemplatePath).Msg("template load failed, using solid colour")
	}
	c.bg = image.NewUniform(colorBackground)
	return c.bg
}

func loadTemplate(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	if b.Dx() != CardWidth || b.Dy() != CardHeight {
		img = resize.Resize(CardWidth, CardHeight, img, resize.Lanczos3)
	}
	return img, nil
}

func (c *CardRenderer) Render(ctx context.Context, text string) (Artifact, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Artifact{}, ErrNoImage
	}
	f, err := c.EnsureFont(ctx)
	if err != nil {
		return Artifact{}, err
	}
	if r, ok := missingGlyph(f, Visual(Shape(text))); ok {
		return Artifact{}, fmt.Errorf("%w: font has no glyph for %U", ErrNoImage, r)
	}
	if err := ctx.Err(); err != nil {
		return Artifact{}, err
	}

	canvas := image.NewRGBA(image.Rect(0, 0, CardWidth, CardHeight))
	draw.Draw(canvas, canvas.Bounds(), c.background(), image.Point{}, draw.Src)

	usableW := CardWidth - 2*marginSide
	usableH := CardHeight - marginTop - marginBottom

	size := fontSize(utf8.RuneCountInString(text))
	var face font.Face
	var lines []string
	var lineH int
	for {
		face, err = opentype.NewFace(f, &opentype.FaceOptions{Size: size, DPI: 72, Hinting: font.HintingFull})
		if err != nil {
			return Artifact{}, err
		}
		lines = wrap(text, face, usableW)
		lineH = int(size * 1.5)
		if len(lines)*lineH <= usableH || size <= 30 {
			break
		}
		_ = face.Close()
		size -= 10
	}
	defer face.Close()

	blockH := len(lines) * lineH
	y := marginTop + (usableH-blockH)/2
	ascent := face.Metrics().Ascent.Ceil()
	d := &font.Drawer{Dst: canvas, Src: image.NewUniform(colorText), Face: face}
	for _, line := range lines {
		w := font.MeasureString(face, line).Ceil()
		d.Dot = fixed.P((CardWidth-w)/2, y+ascent)
		d.DrawString(line)
		y += lineH
	}

	if footer := strings.TrimSpace(c.opt.Footer); footer != "" {
		ff, err := opentype.NewFace(f, &opentype.FaceOptions{Size: footerSize, DPI: 72, Hinting: font.HintingFull})
		if err != nil {
			return Artifact{}, err
		}
		defer ff.Close()
		line := Visual(Shape(footer))
		w := font.MeasureString(ff, line).Ceil()
		fd := &font.Drawer{
			Dst:  canvas,
			Src:  image.NewUniform(colorFooter),
			Face: ff,
			Dot:  fixed.P((CardWidth-w)/2, CardHeight-footerOffset+ff.Metrics().Ascent.Ceil()),
		}
		fd.DrawString(line)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, canvas); err != nil {
		return Artifact{}, err
	}
	return Artifact{Data: buf.Bytes(), Name: "card.png"}, nil
}

// wrap breaks text into drawable lines no wider than maxW. Each returned line
// is shaped and in visual order. Explicit newlines are kept.
func wrap(text string, face font.Face, maxW int) []string {
	var out []string
	for _, para := range strings.Split(text, "\n") {
		words := strings.Fields(para)
		if len(words) == 0 {
			continue
		}
		cur := words[0]
		for _, w := range words[1:] {
			candidate := cur + " " + w
			if font.MeasureString(face, Visual(Shape(candidate))).Ceil() <= maxW {
				cur = candidate
				continue
			}
			out = append(out, Visual(Shape(cur)))
			cur = w
		}
		out = append(out, Visual(Shape(cur)))
	}
	return out
}
