// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	Browser BrowserConfig `mapstructure:"browser" yaml:"browser"`
	Site    SiteConfig    `mapstructure:"site" yaml:"site"`
	Timing  TimingConfig  `mapstructure:"timing" yaml:"timing"`
	// Run gets its marching orders from CLI flags, not the config file.
	Run RunConfig `mapstructure:"-" yaml:"-"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level" validate:"omitempty,oneof=debug info warn error dpanic panic fatal"`
	Format      string      `mapstructure:"format" yaml:"format" validate:"omitempty,oneof=console json"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size" validate:"gte=0"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups" validate:"gte=0"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age" validate:"gte=0"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig holds settings for the browser instance driving the registration page.
type BrowserConfig struct {
	Headless        bool          `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Debug           bool          `mapstructure:"debug" yaml:"debug"`
	ScreenshotDir   string        `mapstructure:"screenshot_dir" yaml:"screenshot_dir"`
	UserAgent       string        `mapstructure:"user_agent" yaml:"user_agent"`
	Args            []string      `mapstructure:"args" yaml:"args"`
	LaunchTimeout   time.Duration `mapstructure:"launch_timeout" yaml:"launch_timeout" validate:"gt=0"`
}

// SiteConfig describes the structural conventions of the registration page.
// Every value here is specific to one site; nothing is discovered at runtime.
type SiteConfig struct {
	URL       string          `mapstructure:"url" yaml:"url" validate:"required,url"`
	Selectors SelectorsConfig `mapstructure:"selectors" yaml:"selectors"`
	Markers   MarkersConfig   `mapstructure:"markers" yaml:"markers"`
	Form      FormConfig      `mapstructure:"form" yaml:"form"`
}

// SelectorsConfig holds the CSS selectors for every fragment the workflow probes.
type SelectorsConfig struct {
	UsernameInput       string `mapstructure:"username_input" yaml:"username_input" validate:"required"`
	PasswordInput       string `mapstructure:"password_input" yaml:"password_input" validate:"required"`
	LoginError          string `mapstructure:"login_error" yaml:"login_error" validate:"required"`
	ValidateButton      string `mapstructure:"validate_button" yaml:"validate_button" validate:"required"`
	EnrollButton        string `mapstructure:"enroll_button" yaml:"enroll_button" validate:"required"`
	EnrollConfirmButton string `mapstructure:"enroll_confirm_button" yaml:"enroll_confirm_button" validate:"required"`
	SemesterCart        string `mapstructure:"semester_cart" yaml:"semester_cart" validate:"required"`
	CourseRow           string `mapstructure:"course_row" yaml:"course_row" validate:"required"`
	Checkboxes          string `mapstructure:"checkboxes" yaml:"checkboxes" validate:"required"`
	Availability        string `mapstructure:"availability" yaml:"availability" validate:"required"`
	Description         string `mapstructure:"description" yaml:"description" validate:"required"`
	Schedule            string `mapstructure:"schedule" yaml:"schedule" validate:"required"`
	Room                string `mapstructure:"room" yaml:"room" validate:"required"`
	Instructor          string `mapstructure:"instructor" yaml:"instructor" validate:"required"`
	Credits             string `mapstructure:"credits" yaml:"credits" validate:"required"`
	Seats               string `mapstructure:"seats" yaml:"seats" validate:"required"`
	ResultRows          string `mapstructure:"result_rows" yaml:"result_rows" validate:"required"`
	ResultDescription   string `mapstructure:"result_description" yaml:"result_description" validate:"required"`
	ResultStatus        string `mapstructure:"result_status" yaml:"result_status" validate:"required"`
	DuoWaiting          string `mapstructure:"duo_waiting" yaml:"duo_waiting" validate:"required"`
	DuoTrustBrowser     string `mapstructure:"duo_trust_browser" yaml:"duo_trust_browser" validate:"required"`
	DuoTryAgain         string `mapstructure:"duo_try_again" yaml:"duo_try_again" validate:"required"`
	DuoVerificationCode string `mapstructure:"duo_verification_code" yaml:"duo_verification_code" validate:"required"`
	Form                string `mapstructure:"form" yaml:"form" validate:"required"`
}

// MarkersConfig holds the substrings that classify an enrollment result row.
type MarkersConfig struct {
	Success string `mapstructure:"success" yaml:"success" validate:"required"`
	Fail    string `mapstructure:"fail" yaml:"fail" validate:"required"`
}

// FormConfig names the fields and action identifiers of the direct form submission.
type FormConfig struct {
	SelectFieldPrefix string `mapstructure:"select_field_prefix" yaml:"select_field_prefix" validate:"required"`
	SelectValue       string `mapstructure:"select_value" yaml:"select_value" validate:"required"`
	ActionField       string `mapstructure:"action_field" yaml:"action_field" validate:"required"`
	EnrollAction      string `mapstructure:"enroll_action" yaml:"enroll_action" validate:"required"`
	ConfirmAction     string `mapstructure:"confirm_action" yaml:"confirm_action" validate:"required"`
	StateField        string `mapstructure:"state_field" yaml:"state_field" validate:"required"`
	// ExtraFields are "name=value" pairs set on every submission. A list keeps
	// the field names case-sensitive, which viper map keys are not.
	ExtraFields []string `mapstructure:"extra_fields" yaml:"extra_fields"`
}

// TimingConfig tunes every deadline and pacing interval of the workflow.
type TimingConfig struct {
	StageTimeout    time.Duration `mapstructure:"stage_timeout" yaml:"stage_timeout" validate:"gt=0"`
	PollInterval    time.Duration `mapstructure:"poll_interval" yaml:"poll_interval" validate:"gt=0"`
	CoarseInterval  time.Duration `mapstructure:"coarse_interval" yaml:"coarse_interval" validate:"gt=0"`
	FineWindow      time.Duration `mapstructure:"fine_window" yaml:"fine_window" validate:"gt=0"`
	ReadConcurrency int           `mapstructure:"read_concurrency" yaml:"read_concurrency" validate:"gte=1"`
}

// RunConfig carries the per-invocation answers given on the command line.
type RunConfig struct {
	Attach  bool
	Debug   bool
	Snipers int
	At      string
	Method  string
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "course-sniper")
	v.SetDefault("logger.log_file", "course-sniper.log")
	v.SetDefault("logger.max_size", 20)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.debug", false)
	v.SetDefault("browser.screenshot_dir", ".")
	v.SetDefault("browser.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36")
	v.SetDefault("browser.launch_timeout", "30s")

	// -- Site --
	v.SetDefault("site.url", "https://saprod.emory.edu/psc/saprod_48/EMPLOYEE/SA/c/SSR_STUDENT_FL.SSR_SHOP_CART_FL.GBL")
	v.SetDefault("site.selectors.username_input", "input#userid")
	v.SetDefault("site.selectors.password_input", "input#pwd")
	v.SetDefault("site.selectors.login_error", "div#ptloginerrorcont")
	v.SetDefault("site.selectors.validate_button", "a#DERIVED_SSR_FL_SSR_VALIDATE_FL")
	v.SetDefault("site.selectors.enroll_button", "a#DERIVED_SSR_FL_SSR_ENROLL_FL")
	v.SetDefault("site.selectors.enroll_confirm_button", `a[id="#ICYes"]`)
	v.SetDefault("site.selectors.semester_cart", `a[id^="SSR_CART_TRM_FL_TERM_DESCR30$"]`)
	v.SetDefault("site.selectors.course_row", `tr[id^="SSR_REGFORM_VW$0_row_"]`)
	v.SetDefault("site.selectors.checkboxes", `input[type="checkbox"][id^="DERIVED_REGFRM1_SSR_SELECT$"]`)
	v.SetDefault("site.selectors.availability", `span[id^="DERIVED_SSR_FL_SSR_AVAIL_FL$"]`)
	v.SetDefault("site.selectors.description", `span[id^="DERIVED_SSR_FL_SSR_DESCR80$"]`)
	v.SetDefault("site.selectors.schedule", `span[id^="DERIVED_REGFRM1_SSR_MTG_SCHED_LONG$"]`)
	v.SetDefault("site.selectors.room", `span[id^="DERIVED_REGFRM1_SSR_MTG_LOC_LONG$"]`)
	v.SetDefault("site.selectors.instructor", `span[id^="DERIVED_REGFRM1_SSR_INSTR_LONG$"]`)
	v.SetDefault("site.selectors.credits", `span[id^="DERIVED_SSR_FL_SSR_UNITS_LBL$"]`)
	v.SetDefault("site.selectors.seats", `span[id^="DERIVED_SSR_FL_SSR_DESCR50$"]`)
	v.SetDefault("site.selectors.result_rows", `div[id^="win48div$ICField229_row$"]`)
	v.SetDefault("site.selectors.result_description", `span[id^="DERIVED_REGFRM1_DESCRLONG$"]`)
	v.SetDefault("site.selectors.result_status", `div[id^="win48divDERIVED_REGFRM1_SSR_STATUS_LONG$"]`)
	v.SetDefault("site.selectors.duo_waiting", "div#auth-view-wrapper:not(.auth-error)")
	v.SetDefault("site.selectors.duo_trust_browser", `button[id="trust-browser-button"]`)
	v.SetDefault("site.selectors.duo_try_again", "button.try-again-button")
	v.SetDefault("site.selectors.duo_verification_code", "div.verification-code")
	v.SetDefault("site.selectors.form", `form[name^="win"]`)
	v.SetDefault("site.markers.success", "/cs/saprod/cache/PS_CS_STATUS_SUCCESS_ICN_1.gif")
	v.SetDefault("site.markers.fail", "/cs/saprod/cache/PS_CS_STATUS_ERROR_ICN_1.gif")
	v.SetDefault("site.form.select_field_prefix", "DERIVED_REGFRM1_SSR_SELECT$")
	v.SetDefault("site.form.select_value", "Y")
	v.SetDefault("site.form.action_field", "ICAction")
	v.SetDefault("site.form.enroll_action", "DERIVED_SSR_FL_SSR_ENROLL_FL")
	v.SetDefault("site.form.confirm_action", "#ICYes")
	v.SetDefault("site.form.state_field", "ICStateNum")
	v.SetDefault("site.form.extra_fields", []string{"ICXPos=0", "ICYPos=0"})

	// -- Timing --
	v.SetDefault("timing.stage_timeout", "120s")
	v.SetDefault("timing.poll_interval", "100ms")
	v.SetDefault("timing.coarse_interval", "4s")
	v.SetDefault("timing.fine_window", "10s")
	v.SetDefault("timing.read_concurrency", 8)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	dir, err := homedir.Expand(cfg.Browser.ScreenshotDir)
	if err != nil {
		return nil, fmt.Errorf("invalid browser.screenshot_dir: %w", err)
	}
	cfg.Browser.ScreenshotDir = dir

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Timing.FineWindow >= time.Minute {
		return fmt.Errorf("timing.fine_window must be shorter than one minute")
	}
	if c.Timing.PollInterval >= c.Timing.StageTimeout {
		return fmt.Errorf("timing.poll_interval must be shorter than timing.stage_timeout")
	}
	return c.Run.Validate()
}

// Validate checks the command line answers.
func (r RunConfig) Validate() error {
	if r.Snipers != 0 && (r.Snipers < 1 || r.Snipers > 19) {
		return fmt.Errorf("snipers must be between 1 and 19")
	}
	switch r.Method {
	case "", "ui", "direct":
	default:
		return fmt.Errorf("method must be 'ui' or 'direct', got %q", r.Method)
	}
	return nil
}
