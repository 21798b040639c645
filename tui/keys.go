package tui

import "github.com/charmbracelet/bubbles/key"

type keyMap struct {
	Quit      key.Binding
	Refresh   key.Binding
	Down      key.Binding
	Up        key.Binding
	NextTab   key.Binding
	Failed    key.Binding
	Grow      key.Binding
	Shrink    key.Binding
	Terminate key.Binding
}

var keys = keyMap{
	Quit:      key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	Refresh:   key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "refresh")),
	Down:      key.NewBinding(key.WithKeys("j", "down"), key.WithHelp("j/k", "navigate")),
	Up:        key.NewBinding(key.WithKeys("k", "up")),
	NextTab:   key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", "switch")),
	Failed:    key.NewBinding(key.WithKeys("f"), key.WithHelp("f", "failed only")),
	Grow:      key.NewBinding(key.WithKeys("+", "="), key.WithHelp("+/-", "pool size")),
	Shrink:    key.NewBinding(key.WithKeys("-")),
	Terminate: key.NewBinding(key.WithKeys("x"), key.WithHelp("x", "terminate")),
}

// helpLine renders the bindings that carry help text
func (k keyMap) helpLine() string {
	var line string
	for _, b := range []key.Binding{k.Quit, k.Refresh, k.Down, k.NextTab, k.Failed, k.Grow, k.Terminate} {
		h := b.Help()
		if line != "" {
			line += "  "
		}
		line += h.Key + " " + h.Desc
	}
	return line
}
