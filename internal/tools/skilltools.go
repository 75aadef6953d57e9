package tools

import (
	"context"
	"fmt"

	"github.com/shipyardhq/sma/internal/reqctx"
	"github.com/shipyardhq/sma/internal/skills"
)

// SkillPinTool pins a skill to the current context so its instructions are
// injected into every subsequent turn.
type SkillPinTool struct {
	library *skills.Library
	resolve StoreResolver
}

func NewSkillPinTool(lib *skills.Library, resolve StoreResolver) *SkillPinTool {
	return &SkillPinTool{library: lib, resolve: resolve}
}

func (t *SkillPinTool) Name() string { return "skill_pin" }
func (t *SkillPinTool) Description() string {
	return "Pin a skill to this conversation; its instructions apply to every following turn."
}

func (t *SkillPinTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"skill_id": map[string]interface{}{
				"type":        "string",
				"description": "Skill directory name under .ship/skills",
			},
		},
		"required": []string{"skill_id"},
	}
}

func (t *SkillPinTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	id := stringArg(args, "skill_id")
	skill, err := t.library.Load(id)
	if err != nil {
		return ErrorResult(fmt.Sprintf("skill_pin: %v", err)).WithError(err)
	}

	store, err := t.resolve(reqctx.From(ctx).ContextID)
	if err != nil {
		return ErrorResult(fmt.Sprintf("skill_pin: %v", err)).WithError(err)
	}
	if _, err := store.AddPinnedSkillID(id); err != nil {
		return ErrorResult(fmt.Sprintf("skill_pin: %v", err)).WithError(err)
	}
	return NewResult(fmt.Sprintf("pinned skill %s (%s)", id, skill.Name))
}

// SkillUnpinTool removes a pinned skill from the current context.
type SkillUnpinTool struct {
	resolve StoreResolver
}

func NewSkillUnpinTool(resolve StoreResolver) *SkillUnpinTool {
	return &SkillUnpinTool{resolve: resolve}
}

func (t *SkillUnpinTool) Name() string { return "skill_unpin" }
func (t *SkillUnpinTool) Description() string {
	return "Unpin a previously pinned skill from this conversation."
}

func (t *SkillUnpinTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"skill_id": map[string]interface{}{
				"type":        "string",
				"description": "Skill id to unpin",
			},
		},
		"required": []string{"skill_id"},
	}
}

func (t *SkillUnpinTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	id := stringArg(args, "skill_id")
	store, err := t.resolve(reqctx.From(ctx).ContextID)
	if err != nil {
		return ErrorResult(fmt.Sprintf("skill_unpin: %v", err)).WithError(err)
	}
	if _, err := store.RemovePinnedSkillID(id); err != nil {
		return ErrorResult(fmt.Sprintf("skill_unpin: %v", err)).WithError(err)
	}
	return NewResult(fmt.Sprintf("unpinned skill %s", id))
}
