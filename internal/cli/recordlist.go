package cli

import (
	"fmt"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/inovacc/tillsync/internal/model"
)

type recordItem struct {
	rec model.Record
}

func (i recordItem) Title() string {
	return i.rec.ID
}

func (i recordItem) Description() string {
	payload := string(i.rec.Payload)
	if len(payload) > 60 {
		payload = payload[:57] + "..."
	}

	return fmt.Sprintf("%s | %s", i.rec.Version.Time().Format("2006-01-02 15:04:05"), payload)
}

func (i recordItem) FilterValue() string {
	return i.rec.ID
}

type RecordListModel struct {
	list     list.Model
	selected *model.Record
	quitting bool
}

func (m RecordListModel) Init() tea.Cmd {
	return nil
}

func (m RecordListModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		h, v := docStyle.GetFrameSize()
		m.list.SetSize(msg.Width-h, msg.Height-v)

		return m, nil

	case tea.KeyMsg:
		if m.list.FilterState() == list.Filtering {
			break
		}

		switch msg.String() {
		case "ctrl+c", "q", "esc":
			m.quitting = true

			return m, tea.Quit

		case "enter":
			if i, ok := m.list.SelectedItem().(recordItem); ok {
				rec := i.rec
				m.selected = &rec
			}

			return m, tea.Quit
		}
	}

	var cmd tea.Cmd

	m.list, cmd = m.list.Update(msg)

	return m, cmd
}

func (m RecordListModel) View() string {
	if m.quitting {
		return ""
	}

	return docStyle.Render(m.list.View())
}

// Selected returns the record chosen with enter, or nil.
func (m RecordListModel) Selected() *model.Record {
	return m.selected
}

// NewRecordList builds a filterable list over the records of one collection.
func NewRecordList(collection string, records []model.Record) RecordListModel {
	items := make([]list.Item, len(records))
	for i, rec := range records {
		items[i] = recordItem{rec: rec}
	}

	l := list.New(items, list.NewDefaultDelegate(), 0, 0)
	l.Title = collection
	l.SetShowStatusBar(true)
	l.SetFilteringEnabled(true)

	return RecordListModel{list: l}
}
