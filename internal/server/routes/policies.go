package routes

import (
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/offline-hub/internal/policy"
)

// RegisterPolicyRoutes 暴露 /-/policies 诊断接口，列出请求分类与缓存策略的对应关系。
func RegisterPolicyRoutes(app *fiber.App) {
	if app == nil {
		return
	}

	app.Get("/-/policies", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"policies": encodePolicies(policy.List())})
	})

	app.Get("/-/policies/:category", func(c fiber.Ctx) error {
		category := strings.ToLower(strings.TrimSpace(c.Params("category")))
		profile, ok := policy.Resolve(policy.Category(category))
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "policy_not_found"})
		}
		return c.JSON(encodePolicy(profile))
	})
}

type policyPayload struct {
	Category    string `json:"category"`
	Strategy    string `json:"strategy"`
	Partition   string `json:"partition"`
	Description string `json:"description"`
}

func encodePolicies(profiles []policy.Profile) []policyPayload {
	if len(profiles) == 0 {
		return nil
	}
	result := make([]policyPayload, 0, len(profiles))
	for _, profile := range profiles {
		result = append(result, encodePolicy(profile))
	}
	return result
}

func encodePolicy(profile policy.Profile) policyPayload {
	return policyPayload{
		Category:    string(profile.Category),
		Strategy:    string(profile.Strategy),
		Partition:   string(profile.Partition),
		Description: profile.Description,
	}
}
