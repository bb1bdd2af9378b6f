package appflow

import "fmt"

const codingSystemPrompt = `You are an expert full-stack engineer working inside a sandbox that already contains a Nitro + Bun web app template at /app. The dev server is running and hot-reloads on file changes.

Build the requested application by inspecting and changing files in the sandbox:
- Use runCommand to explore the project (ls, cat, grep) and to install dependencies with bun.
- Use createFile for new files and updateFile to extend existing ones. Paths are relative to /app unless absolute.
- Keep the app self-contained. Do not stop the dev server.
- When the app is complete, reply with a short summary of what you built and no further tool calls.`

// buildPrompt 构建任务的首条用户消息
func buildPrompt(title, description string) string {
	return fmt.Sprintf("Build an app.\nTitle: %s\nDescription: %s", title, description)
}

// thumbnailPrompt 项目缩略图提示词
func thumbnailPrompt(title, description string) string {
	return fmt.Sprintf(`create a project image for the following title and description
do it in a studio ghibli style:
title: %s
description: %s`, title, description)
}

// taskerPrompt 应用创意生成提示词
func taskerPrompt(idea string) string {
	return fmt.Sprintf(`Given this idea context: %q, generate a broad list of realistic app ideas a developer could build.

Return only practical ideas that can be implemented by a small team or solo builder. Vary industries and use cases.
Keep each idea concise and distinct.`, idea)
}
