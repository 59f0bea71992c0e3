package site

import "strings"

const (
	MinSlugLength     = 3
	MaxSlugLength     = 48
	MaxTitleLength    = 120
	MinPasswordLength = 4
)

var reservedSlugs = map[string]bool{
	"demo": true, "dashboard": true, "admin": true, "api": true,
	"health": true, "login": true, "signin": true, "signup": true,
	"logout": true, "settings": true, "static": true, "assets": true,
	"pricing": true, "docs": true,
}

// NormalizeSlug trims and lowercases a slug without validating it.
func NormalizeSlug(slug string) string {
	return strings.ToLower(strings.TrimSpace(slug))
}

// IsReservedSlug reports whether slug collides with an application route.
func IsReservedSlug(slug string) bool {
	return reservedSlugs[NormalizeSlug(slug)]
}

// ValidateSlug checks that slug is a usable URL segment.
func ValidateSlug(slug string) error {
	if len(slug) < MinSlugLength || len(slug) > MaxSlugLength {
		return validationErrorf("slug", "must be between %d and %d characters", MinSlugLength, MaxSlugLength)
	}
	for _, r := range slug {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '-' {
			return validationErrorf("slug", "may only contain lowercase letters, digits and hyphens")
		}
	}
	if slug[0] == '-' || slug[len(slug)-1] == '-' {
		return validationErrorf("slug", "must not start or end with a hyphen")
	}
	if reservedSlugs[slug] {
		return validationErrorf("slug", "%q is reserved", slug)
	}
	return nil
}

func validateTitle(title string) error {
	if strings.TrimSpace(title) == "" {
		return validationErrorf("title", "must not be empty")
	}
	if len(title) > MaxTitleLength {
		return validationErrorf("title", "exceeds maximum length of %d", MaxTitleLength)
	}
	return nil
}

func validatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return validationErrorf("password", "must be at least %d characters", MinPasswordLength)
	}
	return nil
}
