package ocr

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// MaxBatchSize 单次提交最多识别的图片数量，超出部分直接截断。
const MaxBatchSize = 9

// Script 识别使用的语言包，例如 chi_sim（简体中文）、eng。
type Script string

const (
	ScriptSimplifiedChinese Script = "chi_sim"
	ScriptEnglish           Script = "eng"

	DefaultScript = ScriptSimplifiedChinese
)

var ErrNotImage = errors.New("ocr: not an image")

// Image 一张待识别的图片。
type Image struct {
	Name        string
	Data        []byte
	ContentType string
}

// NewImage 嗅探内容类型，非图片返回 ErrNotImage。
func NewImage(name string, data []byte) (Image, error) {
	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		return Image{}, fmt.Errorf("%w: %s is %s", ErrNotImage, name, mt.String())
	}
	return Image{Name: name, Data: data, ContentType: mt.String()}, nil
}

// Batch 有序的图片批次。顺序决定文本拼接顺序和进度权重。
type Batch struct {
	images  []Image
	dropped int
}

// NewBatch 构造批次，超过 MaxBatchSize 的部分静默截断。
func NewBatch(images ...Image) Batch {
	if len(images) <= MaxBatchSize {
		return Batch{images: append([]Image(nil), images...)}
	}
	return Batch{
		images:  append([]Image(nil), images[:MaxBatchSize]...),
		dropped: len(images) - MaxBatchSize,
	}
}

// WithDropped 记录调用方在构造批次之前就已丢弃的数量。
func (b Batch) WithDropped(n int) Batch {
	b.dropped += n
	return b
}

func (b Batch) Len() int { return len(b.images) }

// Dropped 返回被截断的图片数量。
func (b Batch) Dropped() int { return b.dropped }

// Images 返回批次内图片的副本切片。
func (b Batch) Images() []Image {
	out := make([]Image, len(b.images))
	copy(out, b.images)
	return out
}

// ProgressReporter 由 Engine 调用，汇报单张图片的识别进度（0~1）。
type ProgressReporter interface {
	Report(fraction float64)
}

// ProgressFunc 观察整个批次的百分比进度（0~100，单调不减）。
type ProgressFunc func(percent int)

// Engine 识别引擎边界：一张图进、一段文本出。
// 实现应在识别过程中通过 progress 汇报进度；不汇报也不影响正确性。
type Engine interface {
	Recognize(ctx context.Context, img Image, script Script, progress ProgressReporter) (string, error)
}

// EngineFunc 允许用普通函数充当 Engine。
type EngineFunc func(ctx context.Context, img Image, script Script, progress ProgressReporter) (string, error)

func (f EngineFunc) Recognize(ctx context.Context, img Image, script Script, progress ProgressReporter) (string, error) {
	return f(ctx, img, script, progress)
}
