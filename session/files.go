package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"sharewave/models"
	"sharewave/storage"
)

func (s *Session) handleFileAssembled(file *models.File) {
	path, err := s.save(file)
	if err != nil {
		s.logger.Error("save received file failed", zap.String("file_id", file.ID), zap.Error(err))
	} else if path != "" {
		s.logger.Info("file saved", zap.String("file_id", file.ID), zap.String("path", path))
		s.record(models.TransferProgress{
			FileID:           file.ID,
			FileName:         file.Name,
			FileType:         file.Type,
			Direction:        models.DirectionReceive,
			Progress:         100,
			BytesTransferred: file.Size,
			TotalBytes:       file.Size,
			Status:           models.TransferCompleted,
		}, path)
	}

	if s.manager.InFlight() == 0 {
		s.setRoomStatus(models.RoomStatusCompleted)
	}
	s.emit(FileReceived{File: file, Path: path})
}

// save writes file to the download directory through a temporary .part file.
func (s *Session) save(file *models.File) (string, error) {
	if s.options.DownloadDir == "" {
		return "", nil
	}
	if err := os.MkdirAll(s.options.DownloadDir, 0o700); err != nil {
		return "", fmt.Errorf("create download directory: %w", err)
	}

	finalPath := filepath.Join(s.options.DownloadDir, prefixedFilename(file.ID, file.Name))
	tempPath := finalPath + ".part"
	if err := os.WriteFile(tempPath, file.Data, 0o600); err != nil {
		return "", fmt.Errorf("write received file: %w", err)
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		_ = os.Remove(tempPath)
		return "", fmt.Errorf("finalize received file: %w", err)
	}
	return finalPath, nil
}

func (s *Session) handleProgress(progress models.TransferProgress) {
	s.emit(ProgressUpdated{Progress: progress})

	s.mu.Lock()
	changed := s.saved[progress.FileID] != progress.Status
	s.saved[progress.FileID] = progress.Status
	s.mu.Unlock()
	if changed {
		s.record(progress, "")
	}
}

// record writes the transfer state to the history store, if one is configured.
func (s *Session) record(progress models.TransferProgress, storedPath string) {
	if s.options.History == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	err := s.options.History.UpsertTransfer(ctx, storage.TransferRecord{
		FileID:           progress.FileID,
		Direction:        progress.Direction,
		RoomID:           s.roomID,
		FileName:         progress.FileName,
		FileSize:         progress.TotalBytes,
		FileType:         progress.FileType,
		Status:           progress.Status,
		BytesTransferred: progress.BytesTransferred,
		StoredPath:       storedPath,
	})
	if err != nil {
		s.logger.Warn("record transfer failed", zap.String("file_id", progress.FileID), zap.Error(err))
	}
}

func prefixedFilename(fileID, filename string) string {
	base := filepath.Base(filename)
	if base == "" || base == "." || base == string(filepath.Separator) {
		base = "file.bin"
	}
	return fileID + "_" + base
}
