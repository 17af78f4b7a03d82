package ui

import (
	"fmt"

	"github.com/rivo/tview"
)

// Pages is a stack of components over tview.Pages.
type Pages struct {
	*tview.Pages
	stack    []Component
	onChange func(top Component, titles []string)
}

// NewPages creates an empty page stack.
func NewPages() *Pages {
	return &Pages{Pages: tview.NewPages()}
}

// SetOnChange sets a callback that fires whenever the stack changes.
func (p *Pages) SetOnChange(fn func(top Component, titles []string)) {
	p.onChange = fn
}

// Push shows c on top of the stack. A component already on the stack is
// moved to the top.
func (p *Pages) Push(c Component) {
	for i, s := range p.stack {
		if s == c {
			p.stack = append(p.stack[:i], p.stack[i+1:]...)
			break
		}
	}
	p.stack = append(p.stack, c)
	p.show(c)
}

// Pop removes the top component unless it is the last one.
func (p *Pages) Pop() Component {
	if len(p.stack) <= 1 {
		return nil
	}
	top := p.stack[len(p.stack)-1]
	p.RemovePage(pageName(top))
	p.stack = p.stack[:len(p.stack)-1]
	p.show(p.stack[len(p.stack)-1])
	return top
}

// Top returns the visible component.
func (p *Pages) Top() Component {
	if len(p.stack) == 0 {
		return nil
	}
	return p.stack[len(p.stack)-1]
}

// Depth returns the stack depth.
func (p *Pages) Depth() int {
	return len(p.stack)
}

// Reset leaves only c on the stack.
func (p *Pages) Reset(c Component) {
	for _, s := range p.stack {
		p.RemovePage(pageName(s))
	}
	p.stack = []Component{c}
	p.show(c)
}

func (p *Pages) show(c Component) {
	p.RemovePage(pageName(c))
	p.AddAndSwitchToPage(pageName(c), c, true)
	if p.onChange != nil {
		titles := make([]string, len(p.stack))
		for i, s := range p.stack {
			titles[i] = s.Title()
		}
		p.onChange(c, titles)
	}
}

// pageName identifies a component independently of its changing title.
func pageName(c Component) string {
	return fmt.Sprintf("%p", c)
}
