package shell

import (
	"fmt"
	"io"
	"strings"

	"github.com/heartreel/heartreel/session"
	"github.com/heartreel/heartreel/unlock"
	"github.com/heartreel/heartreel/view"
)

// Render writes a text rendition of the screen described by d and snap.
func Render(w io.Writer, d view.Decision, snap session.Snapshot) error {
	var b strings.Builder
	switch d.State {
	case view.StateLoading:
		b.WriteString("Loading…\n")
	case view.StateLanding:
		b.WriteString("heartreel: your love story, streaming now.\n")
		if !snap.Configured {
			b.WriteString("Sign-in and shared sites are unavailable. Try /demo.\n")
		}
		if d.Has(view.EffectOpenSignIn) {
			b.WriteString("Please sign in to continue.\n")
		}
	case view.StateDemo, view.StateSite:
		if d.Site != nil {
			fmt.Fprintf(&b, "▶ %s\n", d.Site.Title)
			fmt.Fprintf(&b, "  /%s\n", d.Site.Slug)
		}
	case view.StatePassword:
		title := "This site"
		if d.Site != nil {
			title = d.Site.Title
		}
		fmt.Fprintf(&b, "🔒 %s is private. Enter the password to continue.\n", title)
	case view.StateNotFound:
		if d.Slug != "" {
			fmt.Fprintf(&b, "Nothing here at /%s.\n", d.Slug)
		} else {
			b.WriteString("Nothing here.\n")
		}
	case view.StateDashboard:
		writeAccount(&b, snap)
		b.WriteString("Dashboard\n")
	case view.StateAdmin:
		writeAccount(&b, snap)
		b.WriteString("Admin\n")
	case view.StateAdminUsers:
		writeAccount(&b, snap)
		b.WriteString("Admin › Users\n")
	default:
		fmt.Fprintf(&b, "Unknown view %q\n", d.State)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func writeAccount(b *strings.Builder, snap session.Snapshot) {
	if snap.User == nil {
		return
	}
	fmt.Fprintf(b, "Signed in as %s (%s plan)\n", snap.User.Email, snap.EffectivePlan().Type)
}

// RenderScreen renders s including any unlock failure.
func RenderScreen(w io.Writer, s Screen) error {
	if err := Render(w, s.Decision, s.Session); err != nil {
		return err
	}
	if s.Decision.State == view.StatePassword && s.Unlock == unlock.StateRejected && s.UnlockErr != nil {
		_, err := fmt.Fprintln(w, unlock.Message(s.UnlockErr))
		return err
	}
	return nil
}
