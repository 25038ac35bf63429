package routes

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/sitecache/internal/cache"
	"github.com/any-hub/sitecache/internal/preloader"
	"github.com/any-hub/sitecache/internal/server"
	"github.com/any-hub/sitecache/internal/worker"
)

// RegisterDiagnostics 暴露 /-/ 下的诊断与注册接口。
func RegisterDiagnostics(app *fiber.App, container *worker.Container, storage cache.Storage) {
	if app == nil || container == nil || storage == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		names, err := storage.ListStoreNames(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "storage_unavailable"})
		}
		deployed := container.Deployed()
		payload := statusPayload{
			Deployed: scriptPayload{URL: deployed.URL, Version: deployed.Version},
			Stores:   nonNil(names),
			Clients:  len(container.Clients()),
		}
		if w := container.Active(); w != nil {
			payload.Active = encodeWorker(w)
		}
		return c.JSON(payload)
	})

	app.Get("/-/stores/:name", func(c fiber.Ctx) error {
		name := strings.TrimSpace(c.Params("name"))
		if name == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "store_name_required"})
		}
		names, err := storage.ListStoreNames(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "storage_unavailable"})
		}
		if !contains(names, name) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "store_not_found"})
		}
		store, err := storage.Open(c.Context(), name)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "storage_unavailable"})
		}
		keys, err := store.Keys(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "storage_unavailable"})
		}
		urls := make([]string, 0, len(keys))
		for _, key := range keys {
			urls = append(urls, cache.KeyURL(key))
		}
		return c.JSON(fiber.Map{"name": name, "entries": urls})
	})

	app.Post("/-/register", func(c fiber.Ctx) error {
		var req preloader.RegisterRequest
		if body := c.Body(); len(body) > 0 {
			if err := json.Unmarshal(body, &req); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body"})
			}
		}
		if req.ScriptURL == "" {
			req.ScriptURL = container.Deployed().URL
		}
		if clientID := server.ClientID(c); clientID != "" {
			container.Attach(clientID)
		}

		reg, err := container.RegisterURL(c.Context(), req.ScriptURL)
		switch {
		case errors.Is(err, worker.ErrUnknownScript):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown_script"})
		case err != nil:
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "register_failed"})
		}
		return c.JSON(registrationPayload{
			Worker:  encodeWorker(reg.Worker),
			Reused:  reg.Reused,
			Cached:  nonNil(reg.Install.Cached),
			Skipped: nonNil(reg.Install.Skipped),
			Failed:  nonNil(reg.Install.Failed),
			Deleted: nonNil(reg.Activate.Deleted),
		})
	})
}

type scriptPayload struct {
	URL     string `json:"url"`
	Version int    `json:"version"`
}

type workerPayload struct {
	Script scriptPayload `json:"script"`
	State  string        `json:"state"`
	Store  string        `json:"store"`
}

type statusPayload struct {
	Deployed scriptPayload  `json:"deployed"`
	Active   *workerPayload `json:"active"`
	Stores   []string       `json:"stores"`
	Clients  int            `json:"clients"`
}

type registrationPayload struct {
	Worker  *workerPayload `json:"worker"`
	Reused  bool           `json:"reused"`
	Cached  []string       `json:"cached"`
	Skipped []string       `json:"skipped"`
	Failed  []string       `json:"failed"`
	Deleted []string       `json:"deleted"`
}

func encodeWorker(w *worker.Worker) *workerPayload {
	script := w.Script()
	return &workerPayload{
		Script: scriptPayload{URL: script.URL, Version: script.Version},
		State:  w.State().String(),
		Store:  w.StoreName(),
	}
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
