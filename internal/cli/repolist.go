// Package cli holds the interactive terminal views.
package cli

import (
	"fmt"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/greptilebot/greptilebot/internal/model"
)

var docStyle = lipgloss.NewStyle().Margin(1, 2)

type repoItem struct {
	repo model.Repository
}

func (i repoItem) Title() string {
	return fmt.Sprintf("%s (%s)", i.repo.FullName(), i.repo.Branch)
}

func (i repoItem) Description() string {
	desc := string(i.repo.Status)

	if i.repo.Status == model.StatusIndexing {
		desc = fmt.Sprintf("%s %d%%", desc, i.repo.Progress)
	}

	if !i.repo.SubmittedAt.IsZero() {
		desc = fmt.Sprintf("%s | Submitted: %s", desc, i.repo.SubmittedAt.Format("2006-01-02 15:04"))
	}

	if !i.repo.LastCheckedAt.IsZero() {
		desc = fmt.Sprintf("%s | Checked: %s", desc, i.repo.LastCheckedAt.Format("2006-01-02 15:04"))
	}

	return desc
}

func (i repoItem) FilterValue() string {
	return i.repo.FullName()
}

type RepoListModel struct {
	list         list.Model
	selectedRepo *model.Repository
	quitting     bool
}

func (m RepoListModel) Init() tea.Cmd {
	return nil
}

func (m RepoListModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		h, v := docStyle.GetFrameSize()
		m.list.SetSize(msg.Width-h, msg.Height-v)

		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			m.quitting = true

			return m, tea.Quit

		case "enter":
			if i, ok := m.list.SelectedItem().(repoItem); ok {
				m.selectedRepo = &i.repo
			}

			return m, tea.Quit
		}
	}

	var cmd tea.Cmd

	m.list, cmd = m.list.Update(msg)

	return m, cmd
}

func (m RepoListModel) View() string {
	if m.quitting {
		return ""
	}

	return docStyle.Render(m.list.View())
}

// GetSelectedRepo returns the repository chosen with enter, or nil.
func (m RepoListModel) GetSelectedRepo() *model.Repository {
	return m.selectedRepo
}

// NewRepoList builds the interactive repository list view.
func NewRepoList(repos []model.Repository) RepoListModel {
	items := make([]list.Item, len(repos))
	for i, repo := range repos {
		items[i] = repoItem{repo: repo}
	}

	l := list.New(items, list.NewDefaultDelegate(), 0, 0)
	l.Title = "Tracked Repositories"
	l.SetShowStatusBar(true)
	l.SetFilteringEnabled(true)

	return RepoListModel{list: l}
}
