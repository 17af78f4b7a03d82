package ui

import "github.com/rivo/tview"

// MenuHint describes a keyboard shortcut for display in the header.
type MenuHint struct {
	Key         string
	Description string
}

// Component is a page the app can push onto its stack.
type Component interface {
	tview.Primitive
	// Title names the page in the breadcrumb bar.
	Title() string
	Hints() []MenuHint
}
