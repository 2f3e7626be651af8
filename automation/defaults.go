package automation

import (
	"time"

	"github.com/smartpaste/smartpaste/pkg/models"
)

// DefaultRules returns the rules installed when no rules file exists.
func DefaultRules(now time.Time) []*Rule {
	return []*Rule{
		{
			ID:          "auto_save_urls",
			Name:        "Auto-save URLs",
			Description: "Automatically save URLs to a bookmarks file",
			Conditions: []Condition{
				{Type: ConditionContentType, Value: string(models.ContentURL), Operator: OpEquals},
			},
			Actions: []Action{
				{
					Type:    ActionAppendToFile,
					Enabled: true,
					Parameters: map[string]any{
						"file_path": "smartpaste_bookmarks.txt",
						"content":   "[{timestamp}] {content}",
					},
				},
				{
					Type:    ActionSendNotification,
					Enabled: true,
					Parameters: map[string]any{
						"title":   "URL Saved",
						"message": "URL automatically saved to bookmarks",
					},
				},
			},
			Enabled:   true,
			Priority:  1,
			CreatedAt: now,
		},
		{
			ID:          "email_to_todo",
			Name:        "Email to TODO",
			Description: "Create a follow-up TODO when an email address is copied",
			Conditions: []Condition{
				{Type: ConditionContentType, Value: string(models.ContentEmail), Operator: OpEquals},
			},
			Actions: []Action{
				{
					Type:    ActionCreateTodo,
					Enabled: true,
					Parameters: map[string]any{
						"text":      "Follow up with: {content}",
						"todo_file": "smartpaste_followups.txt",
					},
				},
			},
			Enabled:   true,
			Priority:  2,
			CreatedAt: now,
		},
		{
			ID:          "format_code",
			Name:        "Format Code Snippets",
			Description: "Normalize whitespace in copied code and save it",
			Conditions: []Condition{
				{Type: ConditionContentType, Value: string(models.ContentCode), Operator: OpEquals},
			},
			Actions: []Action{
				{
					Type:       ActionTransformContent,
					Enabled:    true,
					Parameters: map[string]any{"transformation": TransformRemoveWhitespace},
				},
				{
					Type:    ActionSaveToFile,
					Enabled: true,
					Parameters: map[string]any{
						"file_path": "smartpaste_code_snippets/{date}_snippet.txt",
						"content":   "// Copied at {timestamp}\n{transformed_content}",
					},
				},
			},
			Enabled:   true,
			Priority:  1,
			CreatedAt: now,
		},
		{
			ID:          "emergency_alert",
			Name:        "Emergency Content Alert",
			Description: "Notify when copied content contains urgent keywords",
			Conditions: []Condition{
				{
					Type:     ConditionPatternRegex,
					Value:    `\b(urgent|emergency|asap|critical|important)\b`,
					Operator: OpEquals,
				},
			},
			Actions: []Action{
				{
					Type:    ActionSendNotification,
					Enabled: true,
					Parameters: map[string]any{
						"title":   "⚠️ Emergency Content Detected",
						"message": "Content contains emergency keywords",
						"timeout": 10,
					},
				},
			},
			Enabled:         true,
			Priority:        10,
			CreatedAt:       now,
			CooldownSeconds: 300,
		},
	}
}
