package main

import (
	"encoding/json"
	"log"
	"os"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"

	"github.com/psrpipe/pipeline/internal/config"
	"github.com/psrpipe/pipeline/internal/db"
	"github.com/psrpipe/pipeline/internal/models"
)

// UserData is one operator entry in the seed file.
type UserData struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type JSONData struct {
	Users []UserData `json:"users"`
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	db.Connect(config.Load())

	log.Println("Running database migrations...")
	db.AutoMigrate()

	log.Println("Seeding operator accounts...")
	if err := seedUsers(); err != nil {
		log.Fatalf("Error seeding users: %v", err)
	}

	log.Println("Database seeding completed successfully")
}

func seedUsers() error {
	path := os.Getenv("SEED_USERS_FILE")
	if path == "" {
		path = "data/initial-users.json"
	}
	usersData, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var jsonData JSONData
	if err := json.Unmarshal(usersData, &jsonData); err != nil {
		return err
	}

	for _, userData := range jsonData.Users {
		hashedPassword, err := bcrypt.GenerateFromPassword([]byte(userData.Password), bcrypt.DefaultCost)
		if err != nil {
			log.Printf("Error hashing password for %s: %v", userData.Email, err)
			continue
		}

		var role models.UserRole
		switch userData.Role {
		case "admin":
			role = models.RoleAdmin
		case "reviewer":
			role = models.RoleReviewer
		default:
			role = models.RoleViewer
		}

		user := models.User{
			Email:    userData.Email,
			Password: string(hashedPassword),
			Role:     role,
		}

		var existing models.User
		if err := db.DB.Where("email = ?", user.Email).First(&existing).Error; err == nil {
			log.Printf("User %s already exists, skipping", user.Email)
			continue
		}
		if err := db.DB.Create(&user).Error; err != nil {
			log.Printf("Error creating user %s: %v", user.Email, err)
			continue
		}
		log.Printf("Created %s user %s", role, user.Email)
	}
	return nil
}
