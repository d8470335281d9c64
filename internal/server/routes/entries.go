package routes

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/cachehop/cachehop/internal/protocol"
	"github.com/cachehop/cachehop/internal/store"
)

// RegisterEntryRoutes 暴露 /-/entries 诊断接口，列出当前角色存储中的文件。
func RegisterEntryRoutes(app *fiber.App, st store.Store) {
	if app == nil || st == nil {
		return
	}

	app.Get("/-/entries", func(c fiber.Ctx) error {
		entries, err := st.List(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "store_unavailable"})
		}
		return c.JSON(fiber.Map{
			"entries": encodeEntries(entries),
			"count":   len(entries),
		})
	})

	app.Get("/-/entries/:name", func(c fiber.Ctx) error {
		name := strings.TrimSpace(c.Params("name"))
		if err := protocol.ValidateName(name); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_name"})
		}
		result, err := st.Get(c.Context(), name)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "entry_not_found"})
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "store_unavailable"})
		}
		_ = result.Reader.Close()
		return c.JSON(encodeEntry(result.Entry))
	})
}

type entryPayload struct {
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
	ModTime   string `json:"mod_time"`
}

func encodeEntries(entries []store.Entry) []entryPayload {
	result := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		result = append(result, encodeEntry(entry))
	}
	return result
}

func encodeEntry(entry store.Entry) entryPayload {
	return entryPayload{
		Name:      entry.Name,
		SizeBytes: entry.SizeBytes,
		ModTime:   entry.ModTime.UTC().Format(time.RFC3339),
	}
}
