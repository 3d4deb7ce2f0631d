// Package tesseract 提供基于 gosseract 的识别引擎实现。
package tesseract

import (
	"context"
	"fmt"
	"strings"

	"github.com/otiai10/gosseract/v2"

	"gua-tian/server/internal/ocr"
)

// Engine 用 gosseract 客户端实现 ocr.Engine。每次识别新建一个客户端，
// 因为 gosseract.Client 不是并发安全的。
type Engine struct {
	clientFactory func() *gosseract.Client
	variables     map[string]string
}

type Option func(*Engine)

// WithVariable 透传 Tesseract 变量，例如 tessedit_pageseg_mode。
func WithVariable(key, value string) Option {
	return func(e *Engine) { e.variables[key] = value }
}

func New(opts ...Option) *Engine {
	e := &Engine{
		clientFactory: gosseract.NewClient,
		variables:     make(map[string]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Recognize 识别单张图片。gosseract 不暴露细粒度进度，只在开始和结束时汇报。
func (e *Engine) Recognize(ctx context.Context, img ocr.Image, script ocr.Script, progress ocr.ProgressReporter) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	report(progress, 0)

	c := e.clientFactory()
	defer c.Close()

	if err := c.SetImageFromBytes(img.Data); err != nil {
		return "", fmt.Errorf("set image: %w", err)
	}
	if script != "" {
		if err := c.SetLanguage(strings.Split(string(script), "+")...); err != nil {
			return "", fmt.Errorf("set language %s: %w", script, err)
		}
	}
	for k, v := range e.variables {
		if err := c.SetVariable(gosseract.SettableVariable(k), v); err != nil {
			return "", fmt.Errorf("set variable %s: %w", k, err)
		}
	}

	text, err := c.Text()
	if err != nil {
		return "", fmt.Errorf("recognize text: %w", err)
	}
	report(progress, 1)
	return text, nil
}

func report(p ocr.ProgressReporter, fraction float64) {
	if p != nil {
		p.Report(fraction)
	}
}
