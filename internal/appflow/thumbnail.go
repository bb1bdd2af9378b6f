package appflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"app-builder/internal/llm"
	"app-builder/internal/shared/objstore"
	"app-builder/internal/shared/queue"
	"app-builder/internal/shared/storage"
	"app-builder/pkg/logging"
)

// JobThumbnail 缩略图任务类型
const JobThumbnail = "project.thumbnail"

const thumbnailSize = "1024x1024"

// ThumbnailJob 缩略图任务载荷
type ThumbnailJob struct {
	ProjectID   string `json:"projectId"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// ThumbnailKey 项目缩略图对象键
func ThumbnailKey(projectID string) string {
	return "projects/" + projectID + ".png"
}

// Thumbnailer 生成项目缩略图并上传到对象存储
type Thumbnailer struct {
	images   llm.ImageGenerator
	objects  objstore.Store
	projects storage.ProjectStore
	model    string
	logger   *logging.Logger
}

// NewThumbnailer 创建缩略图处理器
func NewThumbnailer(images llm.ImageGenerator, objects objstore.Store, projects storage.ProjectStore, model string, logger *logging.Logger) *Thumbnailer {
	if logger == nil {
		logger = logging.Default("thumbnail")
	}
	return &Thumbnailer{images: images, objects: objects, projects: projects, model: model, logger: logger}
}

// Register 注册到后台任务 Worker
func (t *Thumbnailer) Register(w *queue.Worker) {
	w.Handle(JobThumbnail, t.Handle)
}

// Handle 处理一条缩略图任务
func (t *Thumbnailer) Handle(ctx context.Context, job *queue.Job) error {
	var in ThumbnailJob
	if err := json.Unmarshal(job.Payload, &in); err != nil {
		return fmt.Errorf("decode thumbnail job: %w", err)
	}
	return t.Generate(ctx, in)
}

// Generate 生成、上传并记录缩略图
func (t *Thumbnailer) Generate(ctx context.Context, in ThumbnailJob) error {
	started := time.Now()
	png, err := t.images.GenerateImage(ctx, llm.ImageRequest{
		Model:  t.model,
		Prompt: thumbnailPrompt(in.Title, in.Description),
		Size:   thumbnailSize,
	})
	if err != nil {
		return fmt.Errorf("generate image: %w", err)
	}
	key := ThumbnailKey(in.ProjectID)
	if err := t.objects.Put(ctx, key, png, "image/png"); err != nil {
		return fmt.Errorf("upload image: %w", err)
	}
	if err := t.projects.SaveProjectImage(ctx, in.ProjectID, key); err != nil {
		return fmt.Errorf("save project image: %w", err)
	}
	t.logger.WithDuration(time.Since(started)).Info("Project thumbnail generated", "project_id", in.ProjectID, "key", key)
	return nil
}
