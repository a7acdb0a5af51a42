package config

import (
	"os"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"rampcal/pkg/rampcal"
)

// EnvPrefix prefixes every environment override, e.g. RAMPCAL_LOGGING_LEVEL.
const EnvPrefix = "RAMPCAL"

// Config is the complete rampcal configuration.
type Config struct {
	Logging    LoggingConfig    `yaml:"logging" envconfig:"LOGGING"`
	Saturation SaturationConfig `yaml:"saturation" envconfig:"SATURATION"`
	RefPix     RefPixConfig     `yaml:"refpix" envconfig:"REFPIX"`
	Ramp       RampConfig       `yaml:"ramp" envconfig:"RAMP"`
	Outliers   OutliersConfig   `yaml:"outliers" envconfig:"OUTLIERS"`
	OneOverF   OneOverFConfig   `yaml:"one_over_f" envconfig:"ONE_OVER_F"`
	Pipeline   PipelineConfig   `yaml:"pipeline" envconfig:"PIPELINE"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" validate:"oneof=debug info warn error"`
	Format   string `yaml:"format" envconfig:"FORMAT" validate:"oneof=json text"`
	Output   string `yaml:"output" envconfig:"OUTPUT" validate:"oneof=stdout stderr file"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" validate:"required_if=Output file"`
}

type SaturationConfig struct {
	NPixGrowSat  int  `yaml:"n_pix_grow_sat" envconfig:"N_PIX_GROW_SAT" validate:"gte=0"`
	GrowDiagonal bool `yaml:"grow_diagonal" envconfig:"GROW_DIAGONAL"`
	FlagRCSat    bool `yaml:"flag_rcsat" envconfig:"FLAG_RCSAT"`
}

type RefPixConfig struct {
	NLower           int  `yaml:"nlower" envconfig:"NLOWER" validate:"gte=0"`
	NUpper           int  `yaml:"nupper" envconfig:"NUPPER" validate:"gte=0"`
	NLeft            int  `yaml:"nleft" envconfig:"NLEFT" validate:"gte=0"`
	NRight           int  `yaml:"nright" envconfig:"NRIGHT" validate:"gte=0"`
	NRowOff          int  `yaml:"nrow_off" envconfig:"NROW_OFF" validate:"gte=0"`
	NColOff          int  `yaml:"ncol_off" envconfig:"NCOL_OFF" validate:"gte=0"`
	UseSideRefPixels bool `yaml:"use_side_ref_pixels" envconfig:"USE_SIDE_REF_PIXELS"`
}

// RampConfig controls the slope fits.
type RampConfig struct {
	SatFrac        float64 `yaml:"sat_frac" envconfig:"SAT_FRAC" validate:"gt=0,lte=1"`
	ReturnRateInts bool    `yaml:"return_rateints" envconfig:"RETURN_RATEINTS"`
}

type OutliersConfig struct {
	Enabled        bool    `yaml:"rate_int_outliers" envconfig:"RATE_INT_OUTLIERS"`
	SigmaCut       float64 `yaml:"sigma_cut" envconfig:"SIGMA_CUT" validate:"gt=0"`
	NIntMin        int     `yaml:"nint_min" envconfig:"NINT_MIN" validate:"gte=1"`
	ClipIterations int     `yaml:"clip_iterations" envconfig:"CLIP_ITERATIONS" validate:"gte=1"`
}

type OneOverFConfig struct {
	Model     string  `yaml:"model" envconfig:"MODEL" validate:"oneof=savgol mean median"`
	Window    int     `yaml:"window" envconfig:"WINDOW" validate:"odd,gte=3"`
	PolyOrder int     `yaml:"poly_order" envconfig:"POLY_ORDER" validate:"gte=0,ltfield=Window"`
	NSigma    float64 `yaml:"nsigma" envconfig:"NSIGMA" validate:"gt=0"`
	MaxIter   int     `yaml:"max_iter" envconfig:"MAX_ITER" validate:"gte=1"`
}

// PipelineConfig toggles the optional stages.
type PipelineConfig struct {
	RemoveKTC      bool `yaml:"remove_ktc" envconfig:"REMOVE_KTC"`
	RemoveOneOverF bool `yaml:"remove_one_over_f" envconfig:"REMOVE_ONE_OVER_F"`
	// Workers bounds concurrent integrations; 0 uses GOMAXPROCS.
	Workers int `yaml:"workers" envconfig:"WORKERS" validate:"gte=0"`
}

// Default returns the coronagraphic processing defaults.
func Default() Config {
	sat := rampcal.NewSaturationParams()
	ref := rampcal.NewRefPixParams()
	out := rampcal.NewOutlierParams()
	onef := rampcal.NewOneOverFParams()
	return Config{
		Logging: LoggingConfig{Level: "info", Format: "text", Output: "stderr"},
		Saturation: SaturationConfig{
			NPixGrowSat:  sat.NPixGrowSat,
			GrowDiagonal: sat.GrowDiagonal,
			FlagRCSat:    sat.FlagRCSat,
		},
		RefPix: RefPixConfig{
			NLower:           ref.NLower,
			NUpper:           ref.NUpper,
			NLeft:            ref.NLeft,
			NRight:           ref.NRight,
			NRowOff:          ref.NRowOff,
			NColOff:          ref.NColOff,
			UseSideRefPixels: ref.UseSideRefPixels,
		},
		Ramp: RampConfig{SatFrac: rampcal.DefaultSatFrac},
		Outliers: OutliersConfig{
			Enabled:        true,
			SigmaCut:       out.SigmaCut,
			NIntMin:        out.NIntMin,
			ClipIterations: out.ClipIterations,
		},
		OneOverF: OneOverFConfig{
			Model:     onef.Model.String(),
			Window:    onef.Window,
			PolyOrder: onef.PolyOrder,
			NSigma:    onef.NSigma,
			MaxIter:   onef.MaxIter,
		},
		Pipeline: PipelineConfig{RemoveKTC: true, RemoveOneOverF: true},
	}
}

// Load builds the configuration from the defaults, the optional YAML file
// at path and RAMPCAL_* environment variables, in that order of precedence.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "read config file")
		}
		if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config file %s", path)
		}
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, errors.Wrap(err, "load config from env")
	}
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)
	cfg.Logging.Format = strings.ToLower(cfg.Logging.Format)
	cfg.Logging.Output = strings.ToLower(cfg.Logging.Output)
	cfg.OneOverF.Model = strings.ToLower(cfg.OneOverF.Model)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("odd", func(fl validator.FieldLevel) bool {
		return fl.Field().Int()%2 == 1
	})
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks every section. Errors wrap rampcal.ErrInvalidParams.
func (c *Config) Validate() error {
	onef := c.OneOverF
	if onef.Model != rampcal.NoiseModelSavGol.String() {
		// window and order only shape the savgol filter
		onef.Window, onef.PolyOrder = 3, 0
	}
	sections := []any{&c.Logging, &c.Saturation, &c.RefPix, &c.Ramp, &c.Outliers, &onef, &c.Pipeline}
	for _, s := range sections {
		if err := validate.Struct(s); err != nil {
			return errors.Wrapf(rampcal.ErrInvalidParams, "%v", err)
		}
	}
	return nil
}

func (c *Config) SaturationParams() *rampcal.SaturationParams {
	return &rampcal.SaturationParams{
		NPixGrowSat:  c.Saturation.NPixGrowSat,
		GrowDiagonal: c.Saturation.GrowDiagonal,
		FlagRCSat:    c.Saturation.FlagRCSat,
	}
}

func (c *Config) RefPixParams() *rampcal.RefPixParams {
	return &rampcal.RefPixParams{
		NLower:           c.RefPix.NLower,
		NUpper:           c.RefPix.NUpper,
		NLeft:            c.RefPix.NLeft,
		NRight:           c.RefPix.NRight,
		NRowOff:          c.RefPix.NRowOff,
		NColOff:          c.RefPix.NColOff,
		UseSideRefPixels: c.RefPix.UseSideRefPixels,
	}
}

func (c *Config) OutlierParams() *rampcal.OutlierParams {
	return &rampcal.OutlierParams{
		SigmaCut:       c.Outliers.SigmaCut,
		NIntMin:        c.Outliers.NIntMin,
		ClipIterations: c.Outliers.ClipIterations,
	}
}

func (c *Config) OneOverFParams() (*rampcal.OneOverFParams, error) {
	model, err := rampcal.ParseNoiseModel(c.OneOverF.Model)
	if err != nil {
		return nil, err
	}
	return &rampcal.OneOverFParams{
		Model:     model,
		Window:    c.OneOverF.Window,
		PolyOrder: c.OneOverF.PolyOrder,
		NSigma:    c.OneOverF.NSigma,
		MaxIter:   c.OneOverF.MaxIter,
		SatFrac:   c.Ramp.SatFrac,
	}, nil
}

// Apply copies the configuration onto a pipeline, leaving its
// collaborators untouched.
func (c *Config) Apply(p *rampcal.Pipeline) error {
	onef, err := c.OneOverFParams()
	if err != nil {
		return err
	}
	p.Saturation = c.SaturationParams()
	p.RefPix = c.RefPixParams()
	p.Outliers = c.OutlierParams()
	p.OneOverF = onef
	p.SatFrac = c.Ramp.SatFrac
	p.ReturnRateInts = c.Ramp.ReturnRateInts
	p.RateIntOutliers = c.Outliers.Enabled
	p.RemoveKTC = c.Pipeline.RemoveKTC
	p.RemoveOneOverF = c.Pipeline.RemoveOneOverF
	p.Workers = c.Pipeline.Workers
	return nil
}
