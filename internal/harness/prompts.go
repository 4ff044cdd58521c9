package harness

import (
	"fmt"
	"strings"
)

// initializerPrompt asks the session to decompose the task specification
// into feature_list.json. It runs exactly once per agent lifetime: the
// presence of a non-empty task list is the marker that it already ran.
const initializerPrompt = `You are starting a long-running autonomous coding task.

Read the task specification in app_spec.txt in the current directory.

Break the work down into a list of concrete, independently verifiable
features. Write the list to feature_list.json in the current directory,
exactly in this shape:

{
  "features": [
    {"id": 1, "description": "...", "status": "pending"},
    {"id": 2, "description": "...", "status": "pending"}
  ]
}

Rules:
- Every feature starts with status "pending".
- Order features so that earlier ones unblock later ones.
- Do not implement anything yet. Only write feature_list.json.
- After writing the file, append a short note to claude-progress.txt
  describing the plan.`

// codingPromptTemplate drives one implementation session. The session picks
// the first pending feature, implements it, and flips its status.
const codingPromptTemplate = `You are continuing a long-running autonomous coding task.

The task specification is in app_spec.txt. The feature list is in
feature_list.json. Your notes from previous sessions are below.

Previous progress:
%s

Current state: %s.

Instructions:
- Pick the FIRST feature in feature_list.json whose status is "pending".
- Implement it completely, including tests where the project has them.
- Run the project's tests if a test command is obvious; fix regressions
  you introduced.
- When the feature works, set its status to "completed" in
  feature_list.json. Change nothing else in that file.
- Append a dated note to claude-progress.txt: what you did, what is
  known-broken, and what the next session should look at first.
- Commit your work with git if the directory is a repository.
- Implement only one feature in this session.`

// CodingPrompt renders the implementation-session prompt from the agent's
// accumulated state.
func CodingPrompt(progress string, list *TaskList) string {
	return fmt.Sprintf(codingPromptTemplate, strings.TrimSpace(progress), list.Summary())
}
