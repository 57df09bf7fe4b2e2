package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/crypto/bcrypt"
)

// NOTE: Database integration tests would require:
// 1. A test database or proper mocking infrastructure
// 2. Refactoring services to accept database interfaces instead of concrete types
//
// The tests below focus on testing business logic that doesn't require database access

func TestNewUserService(t *testing.T) {
	// Test service creation with nil db (edge case)
	service := NewUserService(nil)

	assert.NotNil(t, service)
}

func TestUserService_RoleValidation(t *testing.T) {
	// Test valid roles
	validRoles := []string{"user", "admin"}
	invalidRoles := []string{"superuser", "guest", "moderator", "", "ADMIN", "User"}

	for _, role := range validRoles {
		t.Run("valid_role_"+role, func(t *testing.T) {
			// Role should be either "user" or "admin"
			assert.True(t, role == "user" || role == "admin")
		})
	}

	for _, role := range invalidRoles {
		t.Run("invalid_role_"+role, func(t *testing.T) {
			// Invalid roles should fail validation
			isValid := role == "user" || role == "admin"
			assert.False(t, isValid, "Role %q should be invalid", role)
		})
	}
}

func TestUserService_PasswordHashing(t *testing.T) {
	// Test password hashing used by ChangePassword
	tests := []struct {
		name     string
		password string
	}{
		{
			name:     "standard password",
			password: "SecurePassword123!",
		},
		{
			name:     "long password",
			password: "ThisIsAVeryLongPasswordThatShouldStillWorkProperly123456789!@#",
		},
		{
			name:     "unicode password",
			password: "Пароль123!Безопасный",
		},
		{
			name:     "special characters",
			password: "P@$$w0rd!#%&*()_+-=[]{}|;':\",./<>?",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Hash password (same as used in ChangePassword)
			hash, err := bcrypt.GenerateFromPassword([]byte(tt.password), bcrypt.DefaultCost)
			assert.NoError(t, err)
			assert.NotEmpty(t, hash)

			// Verify correct password matches
			err = bcrypt.CompareHashAndPassword(hash, []byte(tt.password))
			assert.NoError(t, err)

			// Verify wrong password fails
			err = bcrypt.CompareHashAndPassword(hash, []byte("WrongPassword123!"))
			assert.Error(t, err)
		})
	}
}

func TestUserService_PasswordValidation(t *testing.T) {
	// Test password strength requirements (conceptual - actual validation may be in handler)
	tests := []struct {
		name       string
		password   string
		shouldFail bool
		reason     string
	}{
		{
			name:       "strong password",
			password:   "SecureP@ss123!",
			shouldFail: false,
		},
		{
			name:       "minimum length password",
			password:   "P@ss1234",
			shouldFail: false,
		},
		{
			name:       "too short",
			password:   "Ab1!",
			shouldFail: true,
			reason:     "password too short",
		},
		{
			name:       "empty password",
			password:   "",
			shouldFail: true,
			reason:     "empty password",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Basic validation - check length
			minLength := 8
			isValid := len(tt.password) >= minLength

			if tt.shouldFail {
				assert.False(t, isValid, "Password should fail validation: %s", tt.reason)
			} else {
				assert.True(t, isValid, "Password should pass validation")
			}
		})
	}
}

func TestUserService_ErrorUsage(t *testing.T) {
	// Test that user service uses correct error types
	// These errors are defined in auth.go but used by user service

	assert.NotNil(t, ErrUserNotFound)
	assert.NotNil(t, ErrInvalidCredentials)

	assert.Equal(t, "user not found", ErrUserNotFound.Error())
	assert.Equal(t, "invalid email or password", ErrInvalidCredentials.Error())
}

// Integration test examples (commented out - would need real database)
//
// func TestUserService_GetByIDIntegration(t *testing.T) {
//     t.Skip("Requires database connection")
//     // This would test fetching a user by ID from the database
// }
//
// func TestUserService_UpdateProfileIntegration(t *testing.T) {
//     t.Skip("Requires database connection")
//     // This would test updating user profile in the database
// }
//
// func TestUserService_ChangePasswordIntegration(t *testing.T) {
//     t.Skip("Requires database connection")
//     // This would test changing password flow with database
// }
//
// func TestUserService_ListUsersIntegration(t *testing.T) {
//     t.Skip("Requires database connection")
//     // This would test admin user listing with pagination
// }
