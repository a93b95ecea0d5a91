// Package render composes a spread image from drawn card names. Rendering is
// best-effort: any failure is reported to the caller, who sends the textual
// card list instead and carries on.
package render

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"strings"

	"github.com/fogleman/gg"
	"github.com/google/uuid"
)

const (
	cardWidth  = 220
	cardHeight = 380
	cardGap    = 28
	margin     = 48
	cornerRad  = 14
	maxPerRow  = 4
)

var (
	tableColor  = color.RGBA{R: 0x1c, G: 0x10, B: 0x33, A: 0xff}
	cardFace    = color.RGBA{R: 0xf4, G: 0xec, B: 0xd8, A: 0xff}
	cardBorder  = color.RGBA{R: 0xc9, G: 0xa2, B: 0x27, A: 0xff}
	labelColor  = color.RGBA{R: 0x2b, G: 0x1b, B: 0x0e, A: 0xff}
	numberColor = color.RGBA{R: 0x8a, G: 0x6d, B: 0x1f, A: 0xff}
)

// Compositor draws spread images into a temp directory.
type Compositor struct {
	tmpDir string
}

func NewCompositor(tmpDir string) *Compositor {
	return &Compositor{tmpDir: tmpDir}
}

// ComposeSpread renders the cards face-up on a table background and writes a
// PNG into the temp directory. Returns the file path; the caller owns cleanup.
func (c *Compositor) ComposeSpread(cards []string) (string, error) {
	if len(cards) == 0 {
		return "", fmt.Errorf("no cards to render")
	}
	if err := os.MkdirAll(c.tmpDir, 0755); err != nil {
		return "", fmt.Errorf("create tmp dir: %w", err)
	}

	perRow := len(cards)
	if perRow > maxPerRow {
		perRow = maxPerRow
	}
	rows := (len(cards) + perRow - 1) / perRow

	width := margin*2 + perRow*cardWidth + (perRow-1)*cardGap
	height := margin*2 + rows*cardHeight + (rows-1)*cardGap

	dc := gg.NewContext(width, height)
	dc.SetColor(tableColor)
	dc.DrawRectangle(0, 0, float64(width), float64(height))
	dc.Fill()

	for i, name := range cards {
		col := i % perRow
		row := i / perRow

		// Center a short final row.
		inRow := perRow
		if row == rows-1 {
			if rem := len(cards) - row*perRow; rem < perRow {
				inRow = rem
			}
		}
		rowWidth := inRow*cardWidth + (inRow-1)*cardGap
		x := float64((width-rowWidth)/2 + col*(cardWidth+cardGap))
		y := float64(margin + row*(cardHeight+cardGap))

		drawCard(dc, x, y, i+1, name)
	}

	path := filepath.Join(c.tmpDir, "spread_"+uuid.NewString()+".png")
	if err := dc.SavePNG(path); err != nil {
		return "", fmt.Errorf("save spread image: %w", err)
	}
	return path, nil
}

func drawCard(dc *gg.Context, x, y float64, number int, name string) {
	dc.SetColor(cardBorder)
	dc.DrawRoundedRectangle(x-3, y-3, cardWidth+6, cardHeight+6, cornerRad)
	dc.Fill()
	dc.SetColor(cardFace)
	dc.DrawRoundedRectangle(x, y, cardWidth, cardHeight, cornerRad)
	dc.Fill()

	dc.SetColor(numberColor)
	dc.DrawStringAnchored(fmt.Sprintf("%d", number), x+cardWidth/2, y+36, 0.5, 0.5)

	dc.SetColor(labelColor)
	cy := y + cardHeight/2
	for j, line := range wrapName(name) {
		dc.DrawStringAnchored(line, x+cardWidth/2, cy+float64(j)*20, 0.5, 0.5)
	}
}

// wrapName splits a card name onto at most three short lines.
func wrapName(name string) []string {
	words := strings.Fields(name)
	if len(words) <= 1 {
		return []string{name}
	}
	var lines []string
	current := words[0]
	for _, w := range words[1:] {
		if len(current)+1+len(w) > 14 && len(lines) < 2 {
			lines = append(lines, current)
			current = w
			continue
		}
		current += " " + w
	}
	lines = append(lines, current)
	return lines
}

// Cleanup removes a rendered artifact, logging nothing: a leftover temp file
// is harmless and callers already log the error if they care.
func (c *Compositor) Cleanup(path string) {
	if path == "" {
		return
	}
	_ = os.Remove(path)
}
