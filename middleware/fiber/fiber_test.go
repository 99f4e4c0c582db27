package fiber

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/subplatform/pkg/subplatform"
	"github.com/mihaimyh/subplatform/storage/memory"
)

const (
	testOwner      = "0x000000000000000000000000000000000000000a"
	testCreator    = "0x000000000000000000000000000000000000000b"
	testSubscriber = "0x000000000000000000000000000000000000000c"
	testToken      = "0x000000000000000000000000000000000000000d"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now(ctx context.Context) (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now, nil
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	engine *subplatform.Engine
	clock  *fakeClock
	tierID uint64
}

func setupTestEngine(t *testing.T) *testEnv {
	t.Helper()

	clock := newFakeClock()
	engine, err := subplatform.New(memory.New(), subplatform.Config{
		Platform: subplatform.PlatformConfig{
			Owner:          testOwner,
			PlatformFeeBPS: 500,
			GracePeriod:    3 * 24 * time.Hour,
			DefaultToken:   testToken,
		},
		TimeSource: clock,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()
	if err := engine.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	tierID, err := engine.CreateTier(ctx, testCreator, testCreator, 100, 30*24*time.Hour)
	if err != nil {
		t.Fatalf("CreateTier failed: %v", err)
	}
	if _, err := engine.Subscribe(ctx, testSubscriber, testCreator, tierID, 100); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	return &testEnv{engine: engine, clock: clock, tierID: tierID}
}

func setupApp(cfg Config) *fiber.App {
	app := fiber.New()
	app.Use(Middleware(cfg))
	app.Get("/content", func(c *fiber.Ctx) error {
		return c.SendString("content")
	})
	return app
}

func doRequest(t *testing.T, app *fiber.App, subscriber string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/content", nil)
	if subscriber != "" {
		req.Header.Set("X-Subscriber", subscriber)
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	return resp
}

func TestMiddleware_ActiveSubscriber(t *testing.T) {
	env := setupTestEngine(t)
	app := setupApp(Config{
		Engine:        env.engine,
		GetSubscriber: FromHeader("X-Subscriber"),
		GetCreator:    FixedCreator(testCreator),
	})

	resp := doRequest(t, app, testSubscriber)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "content" {
		t.Errorf("Expected body 'content', got %q", string(body))
	}
}

func TestMiddleware_GraceSubscriber(t *testing.T) {
	env := setupTestEngine(t)
	env.clock.Advance(31 * 24 * time.Hour)

	app := setupApp(Config{
		Engine:        env.engine,
		GetSubscriber: FromHeader("X-Subscriber"),
		GetCreator:    FixedCreator(testCreator),
	})

	resp := doRequest(t, app, testSubscriber)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200 during grace, got %d", resp.StatusCode)
	}
}

func TestMiddleware_ExpiredSubscriber(t *testing.T) {
	env := setupTestEngine(t)
	env.clock.Advance(34 * 24 * time.Hour)

	app := setupApp(Config{
		Engine:        env.engine,
		GetSubscriber: FromHeader("X-Subscriber"),
		GetCreator:    FixedCreator(testCreator),
	})

	resp := doRequest(t, app, testSubscriber)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPaymentRequired {
		t.Errorf("Expected status 402, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "expired") {
		t.Errorf("Expected body to carry the expired status, got %q", string(body))
	}
}

func TestMiddleware_Unauthorized(t *testing.T) {
	env := setupTestEngine(t)
	app := setupApp(Config{
		Engine:        env.engine,
		GetSubscriber: FromHeader("X-Subscriber"),
		GetCreator:    FixedCreator(testCreator),
	})

	resp := doRequest(t, app, "")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", resp.StatusCode)
	}
}

func TestMiddleware_CustomExpiredStatusCode(t *testing.T) {
	env := setupTestEngine(t)
	env.clock.Advance(40 * 24 * time.Hour)

	app := setupApp(Config{
		Engine:            env.engine,
		GetSubscriber:     FromHeader("X-Subscriber"),
		GetCreator:        FixedCreator(testCreator),
		ExpiredStatusCode: fiber.StatusForbidden,
	})

	resp := doRequest(t, app, testSubscriber)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", resp.StatusCode)
	}
}

func TestMiddleware_CustomHooks(t *testing.T) {
	env := setupTestEngine(t)
	env.clock.Advance(40 * 24 * time.Hour)

	var expiredStatus subplatform.SubscriptionStatus
	app := setupApp(Config{
		Engine:        env.engine,
		GetSubscriber: FromHeader("X-Subscriber"),
		GetCreator:    FixedCreator(testCreator),
		OnExpired: func(c *fiber.Ctx, status subplatform.SubscriptionStatus) error {
			expiredStatus = status
			return c.Status(fiber.StatusForbidden).SendString("pay up")
		},
		OnUnauthorized: func(c *fiber.Ctx) error {
			return c.SendStatus(fiber.StatusTeapot)
		},
	})

	resp := doRequest(t, app, testSubscriber)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("Expected custom OnExpired status 403, got %d", resp.StatusCode)
	}
	if expiredStatus != subplatform.StatusExpired {
		t.Errorf("Expected StatusExpired passed to OnExpired, got %s", expiredStatus)
	}

	resp = doRequest(t, app, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusTeapot {
		t.Errorf("Expected custom OnUnauthorized status 418, got %d", resp.StatusCode)
	}
}

func TestMiddleware_PanicsOnMissingConfig(t *testing.T) {
	env := setupTestEngine(t)

	assertPanics := func(name string, cfg Config) {
		defer func() {
			if recover() == nil {
				t.Errorf("Expected panic for %s", name)
			}
		}()
		Middleware(cfg)
	}

	assertPanics("missing Engine", Config{
		GetSubscriber: FromHeader("X-Subscriber"),
		GetCreator:    FixedCreator(testCreator),
	})
	assertPanics("missing GetSubscriber", Config{
		Engine:     env.engine,
		GetCreator: FixedCreator(testCreator),
	})
	assertPanics("missing GetCreator", Config{
		Engine:        env.engine,
		GetSubscriber: FromHeader("X-Subscriber"),
	})
}

func TestFromLocals(t *testing.T) {
	env := setupTestEngine(t)

	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("subscriber", c.Get("X-Auth"))
		return c.Next()
	})
	app.Use(Middleware(Config{
		Engine:        env.engine,
		GetSubscriber: FromLocals("subscriber"),
		GetCreator:    FixedCreator(testCreator),
	}))
	app.Get("/content", func(c *fiber.Ctx) error {
		return c.SendString("content")
	})

	req := httptest.NewRequest(http.MethodGet, "/content", nil)
	req.Header.Set("X-Auth", testSubscriber)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200 via locals subscriber, got %d", resp.StatusCode)
	}
}

func TestCreatorFromParam(t *testing.T) {
	env := setupTestEngine(t)

	app := fiber.New()
	app.Get("/creators/:creator/content", Middleware(Config{
		Engine:        env.engine,
		GetSubscriber: FromHeader("X-Subscriber"),
		GetCreator:    CreatorFromParam("creator"),
	}), func(c *fiber.Ctx) error {
		return c.SendString("content")
	})

	req := httptest.NewRequest(http.MethodGet, "/creators/"+testCreator+"/content", nil)
	req.Header.Set("X-Subscriber", testSubscriber)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	req = httptest.NewRequest(http.MethodGet, "/creators/"+testOwner+"/content", nil)
	req.Header.Set("X-Subscriber", testSubscriber)
	resp, err = app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Errorf("Expected status 402 for unsubscribed creator, got %d", resp.StatusCode)
	}
}
