package anonymizer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"imageAnonymizer/core/models"
)

var (
	ErrDispatchFailure     = errors.New("anonymization failed")
	ErrUnsupportedModality = errors.New("unsupported modality")
)

// DispatchError is a strategy failure. Its message is the reason recorded
// on the task.
type DispatchError struct {
	Strategy string
	Err      error
}

func (e *DispatchError) Error() string        { return e.Err.Error() }
func (e *DispatchError) Unwrap() error        { return e.Err }
func (e *DispatchError) Is(target error) bool { return target == ErrDispatchFailure }

// Outcome is the result of one strategy run. Err is nil on success and
// otherwise a *DispatchError.
type Outcome struct {
	ResultFilePath string
	Elapsed        time.Duration
	Err            error
}

func (o Outcome) Succeeded() bool { return o.Err == nil }

// Reason is the failure text recorded on the task.
func (o Outcome) Reason() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

type Strategy interface {
	Name() string
	Execute(ctx context.Context, filePath string) Outcome
}

type Dispatcher struct {
	strategies map[models.ImageType]Strategy
	logger     *zap.Logger
}

func NewDispatcher(logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		strategies: make(map[models.ImageType]Strategy),
		logger:     logger,
	}
}

// NewDefaultDispatcher registers the imaging-based strategies for every
// recognized image type.
func NewDefaultDispatcher(cfg Config, logger *zap.Logger) *Dispatcher {
	d := NewDispatcher(logger)
	d.Register(models.ImageTypeHistology, NewRedactor("histology-anonymizer", HistologyLabelRegion, cfg, logger))
	d.Register(models.ImageTypeXRay, NewRedactor("xray-anonymizer", BurnedInHeaderRegion, cfg, logger))
	d.Register(models.ImageTypeMRI, NewRedactor("mri-anonymizer", BurnedInHeaderRegion, cfg, logger))
	return d
}

func (d *Dispatcher) Register(imageType models.ImageType, s Strategy) {
	d.strategies[imageType] = s
}

// Resolve returns the strategy for imageType, or the unsupported fallback.
func (d *Dispatcher) Resolve(imageType models.ImageType) Strategy {
	if s, ok := d.strategies[imageType]; ok {
		return s
	}
	return Unsupported{ImageType: imageType}
}

// Dispatch runs the strategy for imageType. It never panics; strategy
// panics become failures. A success always carries a result path and a
// failure always carries a non-empty reason.
func (d *Dispatcher) Dispatch(ctx context.Context, imageType models.ImageType, filePath string) (out Outcome) {
	strategy := d.Resolve(imageType)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			out = Outcome{
				Elapsed: time.Since(start),
				Err:     fmt.Errorf("%s panicked: %v", strategy.Name(), r),
			}
		}
		if out.Elapsed == 0 {
			out.Elapsed = time.Since(start)
		}
		if out.Err == nil && strings.TrimSpace(out.ResultFilePath) == "" {
			out.Err = fmt.Errorf("%s returned no result file", strategy.Name())
		}
		if out.Err != nil && strings.TrimSpace(out.Err.Error()) == "" {
			out.Err = fmt.Errorf("%s failed without a reason", strategy.Name())
		}
		var de *DispatchError
		if out.Err != nil && !errors.As(out.Err, &de) {
			out.Err = &DispatchError{Strategy: strategy.Name(), Err: out.Err}
		}
		if out.Err != nil {
			out.ResultFilePath = ""
		}

		fields := []zap.Field{
			zap.String("strategy", strategy.Name()),
			zap.String("image_type", string(imageType)),
			zap.String("file_path", filePath),
			zap.Duration("elapsed", out.Elapsed),
		}
		if out.Err != nil {
			d.logger.Warn("Anonymization strategy failed", append(fields, zap.Error(out.Err))...)
		} else {
			d.logger.Info("Anonymization strategy succeeded", append(fields, zap.String("result", out.ResultFilePath))...)
		}
	}()

	return strategy.Execute(ctx, filePath)
}

// Unsupported fails every request immediately.
type Unsupported struct {
	ImageType models.ImageType
}

func (u Unsupported) Name() string { return "unsupported" }

func (u Unsupported) Execute(ctx context.Context, filePath string) Outcome {
	tag := u.ImageType
	if tag == "" {
		tag = models.ImageTypeUnknown
	}
	return Outcome{Err: &DispatchError{
		Strategy: u.Name(),
		Err:      fmt.Errorf("%w: %s", ErrUnsupportedModality, tag),
	}}
}
