package capability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"applyflow/internal/domain"

	"github.com/playwright-community/playwright-go"
)

const defaultNavigationTimeout = 30 * time.Second

// AutomationConfig holds browser automation configuration.
type AutomationConfig struct {
	Headless      bool
	ScreenshotDir string
	UserAgent     string
}

// PlaywrightAutomator submits applications through a real browser session.
// One launched browser is shared; every Apply call runs in a fresh browser
// context so sessions never leak state between applications.
type PlaywrightAutomator struct {
	pw            *playwright.Playwright
	browser       playwright.Browser
	generator     TextGenerator
	screenshotDir string
	userAgent     string
	logger        *slog.Logger
}

// NewPlaywrightAutomator launches the browser backing the automation capability.
func NewPlaywrightAutomator(cfg *AutomationConfig, generator TextGenerator, logger *slog.Logger) (*PlaywrightAutomator, error) {
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}

	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(cfg.Headless),
	})
	if err != nil {
		pw.Stop()
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	screenshotDir := cfg.ScreenshotDir
	if screenshotDir == "" {
		screenshotDir = filepath.Join(".", "screenshots")
	}
	if err := os.MkdirAll(screenshotDir, 0o755); err != nil {
		browser.Close()
		pw.Stop()
		return nil, fmt.Errorf("create screenshot dir: %w", err)
	}

	return &PlaywrightAutomator{
		pw:            pw,
		browser:       browser,
		generator:     generator,
		screenshotDir: screenshotDir,
		userAgent:     cfg.UserAgent,
		logger:        logger,
	}, nil
}

// Close shuts down the browser and the playwright driver.
func (a *PlaywrightAutomator) Close() error {
	var errs []error
	if a.browser != nil {
		if err := a.browser.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.pw != nil {
		if err := a.pw.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Apply navigates to the job posting and submits the application form.
// A failed submission is an Outcome with Succeeded=false, not an error;
// errors are reserved for failures that prevented the attempt entirely.
func (a *PlaywrightAutomator) Apply(ctx context.Context, req ApplyRequest) (*Outcome, error) {
	if _, err := url.ParseRequestURI(req.JobURL); err != nil {
		return nil, domain.NewPermanentError(NameAutomation, fmt.Errorf("malformed job url %q: %w", req.JobURL, err))
	}
	if !req.Credentials.Present() {
		return nil, domain.NewPermanentError(NameAutomation, errors.New("credentials are required"))
	}

	opts := playwright.BrowserNewContextOptions{}
	if a.userAgent != "" {
		opts.UserAgent = playwright.String(a.userAgent)
	}

	browserCtx, err := a.browser.NewContext(opts)
	if err != nil {
		return nil, domain.NewTransientError(NameAutomation, fmt.Errorf("new browser context: %w", err))
	}
	defer browserCtx.Close()

	page, err := browserCtx.NewPage()
	if err != nil {
		return nil, domain.NewTransientError(NameAutomation, fmt.Errorf("new page: %w", err))
	}

	timeout := navigationTimeout(ctx)

	a.logger.Info("Opening job posting",
		slog.String("url", req.JobURL),
	)

	if _, err := page.Goto(req.JobURL, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(timeout),
	}); err != nil {
		return nil, domain.NewTransientError(NameAutomation, fmt.Errorf("navigate to job url: %w", err))
	}

	if err := a.login(page, req.Credentials, timeout); err != nil {
		ref := a.capture(page, "login_failed")
		return &Outcome{Succeeded: false, ScreenshotRef: ref, ErrorReason: "login failed: " + err.Error()}, nil
	}

	if err := a.openApplicationForm(page, timeout); err != nil {
		ref := a.capture(page, "no_application_form")
		return &Outcome{Succeeded: false, ScreenshotRef: ref, ErrorReason: err.Error()}, nil
	}

	if err := a.fillForm(ctx, page, req); err != nil {
		ref := a.capture(page, "form_fill_failed")
		return &Outcome{Succeeded: false, ScreenshotRef: ref, ErrorReason: err.Error()}, nil
	}

	if err := a.submit(page, timeout); err != nil {
		ref := a.capture(page, "submit_failed")
		return &Outcome{Succeeded: false, ScreenshotRef: ref, ErrorReason: err.Error()}, nil
	}

	return &Outcome{Succeeded: true}, nil
}

// login fills the portal login form when one is present. Pages that expose
// the application form without a session simply skip this step.
func (a *PlaywrightAutomator) login(page playwright.Page, creds domain.Credentials, timeout float64) error {
	passwordField := page.Locator("input[type='password']").First()
	visible, err := passwordField.IsVisible()
	if err != nil || !visible {
		return nil
	}

	userField := page.Locator("input[type='email'], input[name*='user'], input[name*='login']").First()
	if err := userField.Fill(creds.Username); err != nil {
		return fmt.Errorf("fill username: %w", err)
	}
	if err := passwordField.Fill(creds.Password); err != nil {
		return fmt.Errorf("fill password: %w", err)
	}

	loginButton := page.Locator("button[type='submit'], input[type='submit']").First()
	if err := loginButton.Click(playwright.LocatorClickOptions{Timeout: playwright.Float(timeout)}); err != nil {
		return fmt.Errorf("click login: %w", err)
	}

	if err := page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   playwright.LoadStateDomcontentloaded,
		Timeout: playwright.Float(timeout),
	}); err != nil {
		return fmt.Errorf("wait after login: %w", err)
	}

	// A password field still visible after submit means the login was rejected.
	if stillVisible, _ := page.Locator("input[type='password']").First().IsVisible(); stillVisible {
		return errors.New("credentials rejected by portal")
	}

	return nil
}

func (a *PlaywrightAutomator) openApplicationForm(page playwright.Page, timeout float64) error {
	applyButton := page.Locator(
		"button:has-text('Apply'), a:has-text('Apply'), button:has-text('Easy Apply')",
	).First()

	visible, err := applyButton.IsVisible()
	if err != nil || !visible {
		// Some postings render the form inline without an apply button.
		if formVisible, _ := page.Locator("form").First().IsVisible(); formVisible {
			return nil
		}
		return errors.New("no apply button or application form found")
	}

	if err := applyButton.Click(playwright.LocatorClickOptions{Timeout: playwright.Float(timeout)}); err != nil {
		return fmt.Errorf("click apply: %w", err)
	}

	if err := page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   playwright.LoadStateDomcontentloaded,
		Timeout: playwright.Float(timeout),
	}); err != nil {
		return fmt.Errorf("wait for application form: %w", err)
	}

	return nil
}

func (a *PlaywrightAutomator) fillForm(ctx context.Context, page playwright.Page, req ApplyRequest) error {
	fill := func(selector, value string) {
		if value == "" {
			return
		}
		loc := page.Locator(selector).First()
		if visible, _ := loc.IsVisible(); visible {
			_ = loc.Fill(value)
		}
	}

	if req.Profile != nil {
		fill("input[name*='name'], input[id*='name']", req.Profile.FullName)
		fill("input[type='email'], input[name*='email']", req.Profile.Email)
	}
	fill("textarea[name*='resume'], textarea[name*='cover'], textarea[id*='resume']", req.ResumeText)

	return a.answerScreeningQuestions(ctx, page, req)
}

// answerScreeningQuestions finds labeled free-text questions on the form and
// answers them through the text-generation capability.
func (a *PlaywrightAutomator) answerScreeningQuestions(ctx context.Context, page playwright.Page, req ApplyRequest) error {
	if a.generator == nil {
		return nil
	}

	questionAreas := page.Locator("textarea[data-question], textarea[aria-label]")
	count, err := questionAreas.Count()
	if err != nil || count == 0 {
		return nil
	}

	questions := make([]string, 0, count)
	for i := 0; i < count; i++ {
		label, err := questionAreas.Nth(i).GetAttribute("aria-label")
		if err != nil || strings.TrimSpace(label) == "" {
			continue
		}
		questions = append(questions, strings.TrimSpace(label))
	}
	if len(questions) == 0 {
		return nil
	}

	answers, err := a.generator.AnswerQuestions(ctx, questions, req.Profile, req.ResumeText)
	if err != nil {
		return fmt.Errorf("answer screening questions: %w", err)
	}

	for i := 0; i < count; i++ {
		area := questionAreas.Nth(i)
		label, err := area.GetAttribute("aria-label")
		if err != nil {
			continue
		}
		if answer, ok := answers[strings.TrimSpace(label)]; ok {
			_ = area.Fill(answer)
		}
	}

	return nil
}

func (a *PlaywrightAutomator) submit(page playwright.Page, timeout float64) error {
	submitButton := page.Locator(
		"button[type='submit'], button:has-text('Submit'), button:has-text('Send application')",
	).First()

	if err := submitButton.Click(playwright.LocatorClickOptions{Timeout: playwright.Float(timeout)}); err != nil {
		return fmt.Errorf("click submit: %w", err)
	}

	if err := page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   playwright.LoadStateDomcontentloaded,
		Timeout: playwright.Float(timeout),
	}); err != nil {
		return fmt.Errorf("wait after submit: %w", err)
	}

	if visible, _ := page.Locator(".error, [role='alert']").First().IsVisible(); visible {
		text, _ := page.Locator(".error, [role='alert']").First().TextContent()
		return fmt.Errorf("portal rejected submission: %s", strings.TrimSpace(text))
	}

	return nil
}

// capture takes a full-page screenshot for the audit trail and returns its
// path, or an empty string when the capture itself failed.
func (a *PlaywrightAutomator) capture(page playwright.Page, name string) string {
	filename := fmt.Sprintf("%s_%s.png", name, time.Now().Format("2006-01-02_15-04-05"))
	path := filepath.Join(a.screenshotDir, filename)

	if _, err := page.Screenshot(playwright.PageScreenshotOptions{
		Path:     playwright.String(path),
		FullPage: playwright.Bool(true),
	}); err != nil {
		a.logger.Warn("Failed to capture screenshot",
			slog.String("name", name),
			slog.String("error", err.Error()),
		)
		return ""
	}

	return path
}

// navigationTimeout derives a per-action timeout from the stage context
// deadline, falling back to the default when none is set.
func navigationTimeout(ctx context.Context) float64 {
	deadline, ok := ctx.Deadline()
	if !ok {
		return float64(defaultNavigationTimeout.Milliseconds())
	}

	remaining := time.Until(deadline)
	if remaining <= 0 {
		return 1
	}
	if remaining > defaultNavigationTimeout {
		return float64(defaultNavigationTimeout.Milliseconds())
	}
	return float64(remaining.Milliseconds())
}
